// Package main is the long-running delivery daemon.
//
// notifyd assembles the whole engine in one process: the dispatcher worker
// pool drains the queue, periodic tasks resend due retries, fire due cron
// jobs, ship buffered events to their sinks and run housekeeping, and the ops
// HTTP server exposes health, metrics and the event and job views.
//
// Shutdown is driven by SIGINT/SIGTERM: the HTTP server drains, workers stop
// claiming, periodic tasks finish their current run and the event backlog is
// flushed before connections close.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"courier/internal/api"
	"courier/internal/config"
	"courier/internal/engine"
	"courier/internal/scheduler"
	"courier/internal/types"
)

const shutdownTimeout = 20 * time.Second

// zapAdapter backs types.Logger with a sugared zap logger.
type zapAdapter struct {
	l *zap.SugaredLogger
}

func (a zapAdapter) Info(msg string, args ...any)  { a.l.Infow(msg, args...) }
func (a zapAdapter) Error(msg string, args ...any) { a.l.Errorw(msg, args...) }
func (a zapAdapter) Warn(msg string, args ...any)  { a.l.Warnw(msg, args...) }
func (a zapAdapter) With(args ...any) types.Logger { return zapAdapter{l: a.l.With(args...)} }

func newZapLogger(level, env string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if env == "local" {
		cfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	zl, err := newZapLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := zapAdapter{l: zl.Sugar().With("service", cfg.Service)}

	logger.Info("notifyd starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger, engine.Options{Mode: engine.DispatchInProcess})
	if err != nil {
		return fmt.Errorf("assembling engine: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			logger.Error("engine close failed", "error", err)
		}
	}()

	srv, err := newOpsServer(eng)
	if err != nil {
		return err
	}

	tasks := periodicTasks(eng)
	for _, t := range tasks {
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("starting %s: %w", t.Name(), err)
		}
	}
	defer func() {
		for _, t := range tasks {
			t.Stop()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, ":"+cfg.Server.Port, shutdownTimeout)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("notifyd stopped")
	return err
}

func newOpsServer(eng *engine.Engine) (*api.Server, error) {
	deps := api.Deps{
		Logger:         eng.Logger.With("component", "api"),
		Events:         eng.Monitor,
		Jobs:           eng.Registry,
		Queue:          eng.Queue,
		Templates:      eng.Renderer,
		HealthProbes:   eng.Probes,
		RequestTimeout: eng.Config.Server.RequestTimeout,
		Build: api.BuildInfo{
			Version: eng.Config.Build.Version,
			Commit:  eng.Config.Build.Commit,
		},
	}
	if eng.Prometheus != nil {
		requests, err := api.NewPrometheusRequests(eng.Prometheus)
		if err != nil {
			return nil, err
		}
		deps.Requests = requests
		deps.Metrics = promhttp.HandlerFor(eng.Prometheus, promhttp.HandlerOpts{})
	}
	return api.NewServer(deps)
}

// housekeeping is the subset of maintenance tasks notifyd runs on its own
// interval. Retries, cron and event flushing have dedicated loops.
var housekeeping = []scheduler.TaskType{
	scheduler.TaskReleaseStuckJobs,
	scheduler.TaskArchiveQueue,
	scheduler.TaskPurgeDedupKeys,
	scheduler.TaskTrimRuns,
}

func periodicTasks(eng *engine.Engine) []*scheduler.PeriodicTask {
	cfg := eng.Config
	log := eng.Logger.With("component", "periodic")

	return []*scheduler.PeriodicTask{
		scheduler.NewPeriodicTask("process-retries", cfg.Retry.ProcessInterval, func(ctx context.Context) error {
			_, err := eng.Recovery.ProcessDue(ctx)
			return err
		}, log, scheduler.WithRunTimeout(cfg.Retry.ProcessInterval)),

		scheduler.NewPeriodicTask("cron-tick", cfg.Scheduler.TickInterval, func(ctx context.Context) error {
			_, err := eng.Registry.Tick(ctx)
			return err
		}, log, scheduler.WithImmediateRun()),

		scheduler.NewPeriodicTask("flush-events", cfg.Monitor.ArchiveInterval, eng.Monitor.Flush, log),

		scheduler.NewPeriodicTask("housekeeping", cfg.Maintenance.Interval, func(ctx context.Context) error {
			var errs []error
			for _, task := range housekeeping {
				if _, err := eng.Maint.Handle(ctx, scheduler.MaintenancePayload{Task: task}); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}, log, scheduler.WithImmediateRun()),
	}
}
