// Package main is the entrypoint for the Archiver Lambda function.
//
// The Archiver acts as a Maintenance Multiplexer. EventBridge rules send JSON
// payloads naming a TaskType and the handler routes execution to the
// scheduler's maintenance routines: retry processing, cron ticks, queue
// archival, dedup key purging, run history trimming, stuck lock release and
// event flushing. A payload with task "sweep" runs all of them in order.
//
// Handler flow:
//  1. Parse MaintenancePayload from EventBridge.
//  2. Acquire a distributed job lock "<task>:<hour>" so two invocations of
//     the same task never overlap. The lock is released after the run, so
//     sequential invocations within the hour each run; every task is safe
//     to repeat.
//  3. Run the task through scheduler.Maintenance.
//  4. Release the lock and flush buffered events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"courier/internal/config"
	"courier/internal/engine"
	"courier/internal/scheduler"
	"courier/internal/types"
)

// taskSweep runs every maintenance task in one invocation.
const taskSweep scheduler.TaskType = "sweep"

// defaultLockTTL covers the Lambda timeout with margin.
const defaultLockTTL = 15 * time.Minute

// MaintenanceRunner is the subset of scheduler.Maintenance the handler calls.
type MaintenanceRunner interface {
	Handle(ctx context.Context, p scheduler.MaintenancePayload) (scheduler.TaskResult, error)
	Sweep(ctx context.Context) ([]scheduler.TaskResult, error)
}

// EventFlusher ships buffered monitor events.
type EventFlusher interface {
	Flush(ctx context.Context) error
}

// Handler holds the dependencies for the archiver Lambda handler function.
type Handler struct {
	Maint    MaintenanceRunner
	JobLock  scheduler.JobLocker
	Events   EventFlusher
	Clock    types.Clock
	LockTTL  time.Duration
	WorkerID string
	Logger   types.Logger
}

// Handle processes a MaintenancePayload from EventBridge.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	if payload.Task == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "empty task type in maintenance payload", nil)
	}

	now := h.Clock.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger := h.Logger.With("task", taskStr, "worker_id", h.WorkerID)
	logger.Info("archiver handler invoked", "reference_time", now.Format(time.RFC3339))

	lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, h.lockTTL())
	if err != nil {
		logger.Error("failed to acquire job lock", "lock_id", lockID, "error", err.Error())
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.Info("job lock not acquired, another worker is processing", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}
	defer func() {
		// The lock outlives a crashed invocation only until its TTL.
		if err := h.JobLock.Release(context.WithoutCancel(ctx), lockID, h.WorkerID); err != nil {
			logger.Warn("failed to release job lock", "lock_id", lockID, "error", err.Error())
		}
	}()

	items, execErr := h.dispatch(ctx, payload)

	if h.Events != nil && payload.Task != scheduler.TaskFlushEvents {
		if err := h.Events.Flush(ctx); err != nil {
			logger.Warn("event flush failed", "error", err.Error())
		}
	}

	if execErr != nil {
		logger.Error("task execution failed", "error", execErr.Error(), "items_before_error", items)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.Info(result, "items", items)
	return result, nil
}

func (h *Handler) dispatch(ctx context.Context, payload scheduler.MaintenancePayload) (int64, error) {
	if payload.Task == taskSweep {
		results, err := h.Maint.Sweep(ctx)
		var total int64
		for _, r := range results {
			total += r.Affected
		}
		return total, err
	}
	res, err := h.Maint.Handle(ctx, payload)
	return res.Affected, err
}

func (h *Handler) lockTTL() time.Duration {
	if h.LockTTL > 0 {
		return h.LockTTL
	}
	return defaultLockTTL
}

// slogAdapter wraps *slog.Logger to implement types.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("archiver initializing (cold start)")

	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	typedLogger := &slogAdapter{logger: logger.With("service", cfg.Service)}

	eng, err := engine.New(context.Background(), cfg, typedLogger, engine.Options{Mode: engine.DispatchRemote})
	if err != nil {
		logger.Error("failed to assemble engine", "error", err)
		os.Exit(1)
	}
	if eng.Locks == nil {
		logger.Error("archiver requires a job lock store", "error", errors.New("no lock store configured"))
		os.Exit(1)
	}

	handler := &Handler{
		Maint:    eng.Maint,
		JobLock:  eng.Locks,
		Events:   eng.Monitor,
		Clock:    eng.Clock,
		LockTTL:  cfg.Scheduler.LockTTL,
		WorkerID: eng.WorkerID,
		Logger:   typedLogger,
	}

	logger.Info("archiver initialized", "worker_id", eng.WorkerID)
	lambda.Start(handler.Handle)
}

var _ types.Logger = (*slogAdapter)(nil)
