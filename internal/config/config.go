// Package config defines the runtime configuration of the courier engine.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format aborts startup.
package config

import (
	"time"

	"courier/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import the types package for credentials.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"courier"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Email         EmailConfig
	Dispatcher    DispatcherConfig
	Retry         RetryConfig
	Dedup         DedupConfig
	Redis         RedisConfig
	Monitor       MonitorConfig
	Scheduler     SchedulerConfig
	Maintenance   MaintenanceConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds the ops HTTP listener settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"HTTP_REQUEST_TIMEOUT" default:"15s"`
	// Base URL used for links inside rendered emails (no trailing slash).
	AppBaseURL string `envconfig:"APP_BASE_URL" validate:"required,url"`
}

// DatabaseConfig selects the store backend and tunes the Postgres pool.
type DatabaseConfig struct {
	Backend string       `envconfig:"STORE_BACKEND" default:"postgres" validate:"oneof=postgres memory"`
	URL     SecretString `envconfig:"DATABASE_URL" validate:"required_if=Backend postgres"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	QueryTimeout      time.Duration `envconfig:"DB_QUERY_TIMEOUT" default:"5s"`
	AutoMigrate       bool          `envconfig:"DB_AUTO_MIGRATE" default:"false"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Wake-up queue for the email-worker Lambda. Empty disables triggers.
	DispatchQueueURL string `envconfig:"SQS_DISPATCH" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EmailConfig selects the Provider and holds its credentials.
type EmailConfig struct {
	Provider    string `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses sendgrid smtp stub"`
	FromAddress string `envconfig:"EMAIL_FROM_ADDRESS" default:"notifications@courier.local" validate:"email"`
	FromName    string `envconfig:"EMAIL_FROM_NAME" default:"Document Desk"`
	ReplyTo     string `envconfig:"EMAIL_REPLY_TO" validate:"omitempty,email"`

	SESConfigurationSet string `envconfig:"SES_CONFIGURATION_SET"`

	SendGridAPIKey  SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	SendGridBaseURL string       `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com" validate:"url"`

	SMTPHost     string       `envconfig:"SMTP_HOST" validate:"required_if=Provider smtp"`
	SMTPPort     int          `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername string       `envconfig:"SMTP_USERNAME"`
	SMTPPassword SecretString `envconfig:"SMTP_PASSWORD"`
}

// DispatcherConfig tunes the worker pool that drains the queue.
type DispatcherConfig struct {
	Workers           int           `envconfig:"DISPATCH_WORKERS" default:"4" validate:"min=1,max=64"`
	PollInterval      time.Duration `envconfig:"DISPATCH_POLL_INTERVAL" default:"2s"`
	SendTimeout       time.Duration `envconfig:"DISPATCH_SEND_TIMEOUT" default:"30s"`
	VisibilityTimeout time.Duration `envconfig:"DISPATCH_VISIBILITY_TIMEOUT" default:"5m"`
	// Queue-level cap. One more than the recovery attempts so the initial
	// send plus every recovery resend fit.
	MaxAttempts int     `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"4" validate:"min=1"`
	RatePerSec  float64 `envconfig:"DISPATCH_RATE_PER_SEC" default:"10" validate:"gt=0"`
	Burst       int     `envconfig:"DISPATCH_BURST" default:"5" validate:"min=1"`
}

// RetryConfig is the recovery service backoff policy.
type RetryConfig struct {
	MaxAttempts     int           `envconfig:"MAX_RETRY_ATTEMPTS" default:"3" validate:"min=1"`
	BaseDelay       time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1m"`
	MaxDelay        time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10m"`
	BackoffFactor   float64       `envconfig:"RETRY_BACKOFF_FACTOR" default:"2" validate:"gte=1"`
	ProcessInterval time.Duration `envconfig:"RETRY_PROCESS_INTERVAL" default:"30s"`
	BatchSize       int           `envconfig:"RETRY_BATCH_SIZE" default:"25" validate:"min=1"`
	LeaseDuration   time.Duration `envconfig:"RETRY_LEASE" default:"2m"`
}

// DedupConfig selects the dedup backend and windows.
type DedupConfig struct {
	Backend         string                   `envconfig:"DEDUP_BACKEND" default:"postgres" validate:"oneof=postgres redis memory"`
	Window          time.Duration            `envconfig:"DEDUP_WINDOW" default:"24h"`
	ReminderCap     int                      `envconfig:"REMINDER_CAP" default:"3" validate:"min=1"`
	TemplateWindows map[string]time.Duration `envconfig:"DEDUP_TEMPLATE_WINDOWS"`
}

// RedisConfig is used when DEDUP_BACKEND=redis.
type RedisConfig struct {
	Addr     string       `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password SecretString `envconfig:"REDIS_PASSWORD"`
	DB       int          `envconfig:"REDIS_DB" default:"0"`
	Prefix   string       `envconfig:"REDIS_KEY_PREFIX" default:"courier:"`
}

// MonitorConfig holds the event log and alerting thresholds.
type MonitorConfig struct {
	BufferSize          int           `envconfig:"MONITOR_BUFFER_SIZE" default:"1000" validate:"min=1"`
	FailureThreshold    int           `envconfig:"MONITOR_FAILURE_THRESHOLD" default:"5" validate:"min=1"`
	FailureWindow       time.Duration `envconfig:"MONITOR_FAILURE_WINDOW" default:"5m"`
	JobFailureThreshold int           `envconfig:"MONITOR_JOB_FAILURE_THRESHOLD" default:"10" validate:"min=1"`
	AlertCooldown       time.Duration `envconfig:"MONITOR_ALERT_COOLDOWN" default:"5m"`

	ArchiveDir      string        `envconfig:"MONITOR_ARCHIVE_DIR"`
	ArchiveInterval time.Duration `envconfig:"MONITOR_ARCHIVE_INTERVAL" default:"1m"`
	KafkaBrokers    []string      `envconfig:"MONITOR_KAFKA_BROKERS"`
	KafkaTopic      string        `envconfig:"MONITOR_KAFKA_TOPIC" default:"courier.email-events"`
}

// SchedulerConfig tunes the cron loop and the built-in jobs.
type SchedulerConfig struct {
	TickInterval time.Duration `envconfig:"SCHEDULER_TICK_INTERVAL" default:"30s"`
	HistoryLimit int           `envconfig:"SCHEDULER_HISTORY_LIMIT" default:"100" validate:"min=1"`
	LockTTL      time.Duration `envconfig:"SCHEDULER_LOCK_TTL" default:"15m"`

	MissingDocumentSchedule string `envconfig:"MISSING_DOCUMENT_SCHEDULE" default:"0 9 * * *"`
	MissingDocumentEnabled  bool   `envconfig:"MISSING_DOCUMENT_ENABLED" default:"true"`
}

// MaintenanceConfig holds retention horizons for the archiver.
type MaintenanceConfig struct {
	ArchiveDir        string        `envconfig:"ARCHIVE_DIR" default:"./archive"`
	QueueRetention    time.Duration `envconfig:"QUEUE_RETENTION" default:"720h"`
	RunRetention      time.Duration `envconfig:"RUN_RETENTION" default:"720h"`
	StuckJobThreshold time.Duration `envconfig:"STUCK_JOB_THRESHOLD" default:"1h"`
	ArchiveBatchSize  int           `envconfig:"ARCHIVE_BATCH_SIZE" default:"500" validate:"min=1"`
	// How often notifyd runs the housekeeping tasks in-process.
	Interval time.Duration `envconfig:"MAINTENANCE_INTERVAL" default:"1h"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"prometheus" validate:"oneof=prometheus cloudwatch none"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Courier"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
