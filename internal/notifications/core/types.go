// Package core is the delivery pipeline shared by every producer: the gates
// that decide whether a notification is sent at all, the dispatcher that
// drains the queue through a Provider, and the recovery service that owns
// retries and bounce suppression.
package core

import (
	"context"
	"time"

	"courier/internal/types"
)

// QueueStore is the persistent notification queue. Implemented by
// db.QueueRepository and memory.QueueStore.
type QueueStore interface {
	Enqueue(ctx context.Context, msg *types.QueueMessage) (*types.QueueMessage, error)
	// Dequeue claims one eligible row and hides it for visibility.
	Dequeue(ctx context.Context, maxAttempts int, visibility time.Duration) (*types.QueueMessage, error)
	Complete(ctx context.Context, id string) error
	// Fail records a final failed send: the row turns FAILED and the send
	// counts as an attempt, never past maxAttempts.
	Fail(ctx context.Context, id string, cause error) error
	// Discard fails a row that was not sent, e.g. its recipient bounced
	// while it waited. Attempts are unchanged.
	Discard(ctx context.Context, id string, cause error) error
	// Retry consumes an attempt. A nil nextAttempt parks the row for the
	// recovery service. The returned status is FAILED once attempts are
	// exhausted.
	Retry(ctx context.Context, id string, cause error, nextAttempt *time.Time) (types.MessageStatus, error)
	Get(ctx context.Context, id string) (*types.QueueMessage, error)
	Stats(ctx context.Context) (types.QueueStats, error)
}

// RetryStore persists RetryRecords.
type RetryStore interface {
	Create(ctx context.Context, rec *types.RetryRecord) error
	// ClaimDue leases records due at now so concurrent processors do not
	// resend the same message.
	ClaimDue(ctx context.Context, now time.Time, maxAttempts, limit int, lease time.Duration) ([]types.RetryRecord, error)
	Reschedule(ctx context.Context, rec *types.RetryRecord) error
	Delete(ctx context.Context, id string) error
	DeleteByRecipient(ctx context.Context, recipient string) ([]types.RetryRecord, error)
	GetByMessage(ctx context.Context, messageID string) (*types.RetryRecord, error)
}

// BounceStore is the permanent suppression list. Addresses are compared
// case-insensitively.
type BounceStore interface {
	Add(ctx context.Context, b types.BouncedAddress) error
	IsBounced(ctx context.Context, email string) (bool, error)
}

// DedupStore marks keys for a window. Mark returns true when the caller won
// the key; concurrent callers for one live key see exactly one winner.
type DedupStore interface {
	Mark(ctx context.Context, key string, window time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// ReminderStore caps reminders per correlation key.
type ReminderStore interface {
	Reserve(ctx context.Context, key string, limit int) (bool, error)
	Release(ctx context.Context, key string) error
}

// PreferenceStore reads opt-in settings. A nil result means no preference
// was recorded.
type PreferenceStore interface {
	Get(ctx context.Context, userID, category, typ string) (*types.NotificationPreference, error)
}

// Waker is notified after an enqueue so an idle dispatcher can start
// draining without waiting for its next poll.
type Waker interface {
	Wake(ctx context.Context, reason string) error
}

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess MetricResult = "success"
	MetricFailed  MetricResult = "failed"
	MetricRetried MetricResult = "retried"
	MetricBounced MetricResult = "bounced"
	MetricSkipped MetricResult = "skipped"
)

// NotificationMetrics abstracts CloudWatch/Prometheus for the pipeline.
type NotificationMetrics interface {
	RecordDelivery(ctx context.Context, template string, result MetricResult, kind types.ErrorKind)
	RecordLatency(ctx context.Context, template string, duration time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)
	RecordSkip(ctx context.Context, template string, reason types.SkipReason)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordDelivery(context.Context, string, MetricResult, types.ErrorKind) {}
func (NopMetrics) RecordLatency(context.Context, string, time.Duration)                  {}
func (NopMetrics) RecordQueueLag(context.Context, time.Duration)                         {}
func (NopMetrics) RecordSkip(context.Context, string, types.SkipReason)                  {}

// RetryPolicy defines the exponential backoff parameters for retries.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// Standard retry policies.
var (
	// EmailRetryPolicy drives message-level retries in the recovery service.
	EmailRetryPolicy = RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Minute,
		MaxDelay:      10 * time.Minute,
		BackoffFactor: 2.0,
	}
	// JobRetryPolicy is the fixed job-level retry of the missing-document scan.
	JobRetryPolicy = RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     15 * time.Minute,
		MaxDelay:      15 * time.Minute,
		BackoffFactor: 1.0,
	}
)

// CalculateNextRetry computes the delay before the next retry attempt using
// exponential backoff: delay = min(BaseDelay * BackoffFactor^attempt, MaxDelay).
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
		if delay >= float64(policy.MaxDelay) {
			break
		}
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if d < 0 {
		// Guard against overflow
		d = policy.MaxDelay
	}

	return d
}
