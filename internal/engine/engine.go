// Package engine assembles the delivery pipeline from configuration. Every
// binary under cmd/ builds one Engine at startup and drives the parts it
// needs: notifyd runs everything in-process, the Lambdas drain or maintain.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"courier/internal/api"
	"courier/internal/archive"
	"courier/internal/config"
	"courier/internal/db"
	"courier/internal/external"
	"courier/internal/monitor"
	"courier/internal/notifications/core"
	"courier/internal/notifications/email"
	"courier/internal/queue"
	"courier/internal/scheduler"
	"courier/internal/store/memory"
	credis "courier/internal/store/redis"
	"courier/internal/types"
)

// DispatchMode decides how producers wake the dispatcher.
type DispatchMode int

const (
	// DispatchInProcess wakes the engine's own dispatcher directly.
	DispatchInProcess DispatchMode = iota
	// DispatchRemote publishes wake-ups to SQS for the email-worker.
	DispatchRemote
)

// Options tweak assembly per binary.
type Options struct {
	Mode DispatchMode
	// Clock overrides the real clock. Tests only.
	Clock types.Clock
	// ProviderHTTPTimeout bounds HTTP provider calls. Defaults to the
	// dispatcher send timeout.
	ProviderHTTPTimeout time.Duration
}

// queueBackend is what both queue implementations provide.
type queueBackend interface {
	core.QueueStore
	scheduler.QueueArchiveStore
}

type dedupBackend interface {
	core.DedupStore
	scheduler.DedupPurger
}

type reminderBackend interface {
	core.ReminderStore
	scheduler.ReminderCounter
}

type jobBackend interface {
	scheduler.JobStore
	scheduler.RunStore
}

// Engine is the assembled pipeline.
type Engine struct {
	Config   *config.Config
	Logger   types.Logger
	Clock    types.Clock
	WorkerID string

	Queue      queueBackend
	Locks      scheduler.JobLocker
	Targets    types.TargetEnumerator
	Provider   types.Provider
	Monitor    *monitor.Monitor
	Renderer   *email.Renderer
	Metrics    core.NotificationMetrics
	Recovery   *core.RecoveryService
	Dispatcher *core.Dispatcher
	Notifier   *core.Notifier
	Registry   *scheduler.Registry
	Maint      *scheduler.Maintenance
	Trigger    *queue.DispatchTrigger

	// Prometheus is set when METRICS_BACKEND=prometheus.
	Prometheus *prometheus.Registry
	Probes     []api.HealthProbe

	closers []func() error
}

// New builds every component. On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger types.Logger, opts Options) (_ *Engine, err error) {
	if cfg == nil {
		return nil, errors.New("engine: config must not be nil")
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = types.RealClock{}
	}

	e := &Engine{
		Config:   cfg,
		Logger:   logger,
		Clock:    clock,
		WorkerID: uuid.NewString(),
	}
	defer func() {
		if err != nil {
			_ = e.Close(context.WithoutCancel(ctx))
		}
	}()

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st, err := e.openStores(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.buildMetrics(awsCfg); err != nil {
		return nil, err
	}
	if err := e.buildMonitor(); err != nil {
		return nil, err
	}

	e.Renderer, err = email.NewRenderer(email.RendererConfig{Events: e.Monitor, Clock: clock})
	if err != nil {
		return nil, err
	}

	httpTimeout := opts.ProviderHTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = cfg.Dispatcher.SendTimeout
	}
	e.Provider, err = external.NewProvider(cfg.Email, cfg.Environment, awsCfg, httpTimeout, logger)
	if err != nil {
		return nil, err
	}

	sender := core.SenderIdentity{
		Address: cfg.Email.FromAddress,
		Name:    cfg.Email.FromName,
		ReplyTo: cfg.Email.ReplyTo,
	}
	policy := core.RetryPolicy{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
	}

	e.Recovery = core.NewRecoveryService(core.RecoveryDeps{
		Queue:    st.queue,
		Retries:  st.retries,
		Bounces:  st.bounces,
		Provider: e.Provider,
		Events:   e.Monitor,
		Metrics:  e.Metrics,
		Clock:    clock,
		Logger:   logger.With("component", "recovery"),
	}, core.RecoveryConfig{
		Policy:      policy,
		BatchSize:   cfg.Retry.BatchSize,
		Lease:       cfg.Retry.LeaseDuration,
		SendTimeout: cfg.Dispatcher.SendTimeout,
		Sender:      sender,
	})

	e.Dispatcher = core.NewDispatcher(core.DispatcherDeps{
		Queue:    st.queue,
		Provider: e.Provider,
		Recovery: e.Recovery,
		Events:   e.Monitor,
		Metrics:  e.Metrics,
		Clock:    clock,
		Logger:   logger.With("component", "dispatcher"),
	}, core.DispatcherConfig{
		Workers:           cfg.Dispatcher.Workers,
		PollInterval:      cfg.Dispatcher.PollInterval,
		SendTimeout:       cfg.Dispatcher.SendTimeout,
		VisibilityTimeout: cfg.Dispatcher.VisibilityTimeout,
		MaxAttempts:       cfg.Dispatcher.MaxAttempts,
		RatePerSec:        cfg.Dispatcher.RatePerSec,
		Burst:             cfg.Dispatcher.Burst,
		Sender:            sender,
	})

	var waker core.Waker = e.Dispatcher
	if opts.Mode == DispatchRemote {
		waker = nil
		if cfg.AWS.DispatchQueueURL != "" {
			e.Trigger = queue.NewDispatchTrigger(sqs.NewFromConfig(awsCfg), cfg.AWS, clock, logger.With("component", "trigger"))
			waker = e.Trigger
		}
	}

	e.Notifier = core.NewNotifier(core.NotifierDeps{
		Queue:       st.queue,
		Renderer:    e.Renderer,
		Bounces:     st.bounces,
		Preferences: core.NewPreferenceGate(st.preferences),
		Dedup:       core.NewDedupGate(st.dedup, cfg.Dedup.Window, cfg.Dedup.TemplateWindows),
		Reminders:   st.reminders,
		Waker:       waker,
		Metrics:     e.Metrics,
		Logger:      logger.With("component", "notifier"),
	}, core.NotifierConfig{
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
		ReminderCap: cfg.Dedup.ReminderCap,
	})

	e.Registry = scheduler.NewRegistry(scheduler.RegistryDeps{
		Store:   st.jobs,
		Locks:   st.locks,
		Monitor: e.Monitor,
		Clock:   clock,
		Logger:  logger.With("component", "scheduler"),
	}, scheduler.RegistryConfig{
		HistoryLimit: cfg.Scheduler.HistoryLimit,
		LockTTL:      cfg.Scheduler.LockTTL,
		WorkerID:     e.WorkerID,
	})

	job := scheduler.NewMissingDocumentJob(e.Targets, e.Notifier, st.reminders, logger.With("job", scheduler.MissingDocumentJobID))
	if _, err := e.Registry.Register(ctx, job.Spec(cfg.Scheduler.MissingDocumentSchedule, cfg.Scheduler.MissingDocumentEnabled)); err != nil {
		return nil, fmt.Errorf("register missing document job: %w", err)
	}

	var archiveWriter *archive.Writer
	if cfg.Maintenance.ArchiveDir != "" {
		if archiveWriter, err = archive.NewWriter(cfg.Maintenance.ArchiveDir, clock); err != nil {
			return nil, err
		}
	}
	e.Maint = scheduler.NewMaintenance(scheduler.MaintenanceDeps{
		Queue:   st.queue,
		Archive: archiveWriter,
		Dedup:   st.dedup,
		Runs:    st.jobs,
		Retries: e.Recovery,
		Cron:    e.Registry,
		Events:  e.Monitor,
		Clock:   clock,
		Logger:  logger.With("component", "maintenance"),
	}, scheduler.MaintenanceConfig{
		QueueRetention:    cfg.Maintenance.QueueRetention,
		RunRetention:      cfg.Maintenance.RunRetention,
		StuckJobThreshold: cfg.Maintenance.StuckJobThreshold,
		BatchSize:         cfg.Maintenance.ArchiveBatchSize,
	})

	logger.Info("engine assembled",
		"store", cfg.Database.Backend,
		"dedup", cfg.Dedup.Backend,
		"provider", cfg.Email.Provider,
		"metrics", cfg.Observability.MetricsBackend,
		"worker_id", e.WorkerID,
	)
	return e, nil
}

// Close flushes the event backlog and releases connections, last opened
// first.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.Monitor != nil {
		if err := e.Monitor.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

type stores struct {
	queue       queueBackend
	retries     core.RetryStore
	bounces     core.BounceStore
	preferences core.PreferenceStore
	dedup       dedupBackend
	reminders   reminderBackend
	jobs        jobBackend
	locks       scheduler.JobLocker
}

func (e *Engine) openStores(ctx context.Context) (*stores, error) {
	cfg := e.Config
	var st stores

	switch cfg.Database.Backend {
	case "memory":
		e.Logger.Warn("using in-memory stores; state is lost on exit")
		st = stores{
			queue:       memory.NewQueueStore(e.Clock),
			retries:     memory.NewRetryStore(),
			bounces:     memory.NewBounceStore(),
			preferences: memory.NewPreferenceStore(),
			dedup:       memory.NewDedupStore(e.Clock),
			reminders:   memory.NewReminderStore(e.Clock),
			jobs:        memory.NewCronStore(),
			locks:       memory.NewLockStore(e.Clock),
		}
		e.Targets = memory.NewTargetStore()
	default:
		pool, err := db.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to connect to database", err)
		}
		e.closers = append(e.closers, func() error { pool.Close(); return nil })
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx, pool); err != nil {
				return nil, err
			}
		}
		e.Probes = append(e.Probes, api.ProbeFunc{ProbeName: "database", Fn: poolPing(pool)})

		st = stores{
			queue:       db.NewQueueRepository(pool, e.Clock),
			retries:     db.NewRetryRepository(pool),
			bounces:     db.NewBounceRepository(pool),
			preferences: db.NewPreferenceRepository(pool),
			dedup:       db.NewDedupRepository(pool, e.Clock),
			reminders:   db.NewReminderRepository(pool, e.Clock),
			jobs:        db.NewCronRepository(pool),
			locks:       db.NewJobLockRepository(pool, e.Clock),
		}
		e.Targets = db.NewMissingDocumentRepository(pool, 0)
	}

	switch cfg.Dedup.Backend {
	case "redis":
		rdb, err := credis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, rdb.Close)
		e.Probes = append(e.Probes, api.ProbeFunc{ProbeName: "redis", Fn: redisPing(rdb)})
		st.dedup = credis.NewDedupStore(rdb, cfg.Redis.Prefix)
		st.reminders = credis.NewReminderStore(rdb, cfg.Redis.Prefix, e.Clock)
	case "memory":
		st.dedup = memory.NewDedupStore(e.Clock)
		st.reminders = memory.NewReminderStore(e.Clock)
	}

	e.Queue = st.queue
	e.Locks = st.locks
	return &st, nil
}

func (e *Engine) buildMetrics(awsCfg aws.Config) error {
	switch e.Config.Observability.MetricsBackend {
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m, err := core.NewPrometheusMetrics(reg)
		if err != nil {
			return err
		}
		e.Prometheus = reg
		e.Metrics = m
	case "cloudwatch":
		e.Metrics = core.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg),
			e.Config.Observability.MetricNamespace, e.Logger.With("component", "metrics"))
	default:
		e.Metrics = core.NopMetrics{}
	}
	return nil
}

func (e *Engine) buildMonitor() error {
	cfg := e.Config.Monitor
	var sinks []monitor.Sink

	if cfg.ArchiveDir != "" {
		w, err := archive.NewWriter(cfg.ArchiveDir, e.Clock)
		if err != nil {
			return err
		}
		sinks = append(sinks, monitor.NewFileSink(w, "events"))
	}
	if len(cfg.KafkaBrokers) > 0 {
		k, err := monitor.NewKafkaSink(monitor.KafkaSinkConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		}, e.Logger.With("sink", "kafka"))
		if err != nil {
			return err
		}
		sinks = append(sinks, k)
	}

	e.Monitor = monitor.New(monitor.Config{
		BufferSize:          cfg.BufferSize,
		FailureThreshold:    cfg.FailureThreshold,
		FailureWindow:       cfg.FailureWindow,
		JobFailureThreshold: cfg.JobFailureThreshold,
		AlertCooldown:       cfg.AlertCooldown,
	}, e.Clock, e.Logger.With("component", "monitor"), sinks...)
	return nil
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
	}
	return awsCfg, nil
}

func poolPing(pool *pgxpool.Pool) func(context.Context) error {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}

func redisPing(rdb *goredis.Client) func(context.Context) error {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}
