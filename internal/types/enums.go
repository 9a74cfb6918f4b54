package types

// MessageStatus is the lifecycle state of a QueueMessage.
// COMPLETED and FAILED are terminal.
type MessageStatus string

const (
	MessagePending    MessageStatus = "PENDING"
	MessageProcessing MessageStatus = "PROCESSING"
	MessageRetrying   MessageStatus = "RETRYING"
	MessageCompleted  MessageStatus = "COMPLETED"
	MessageFailed     MessageStatus = "FAILED"
)

// Terminal reports whether no further transition is permitted.
func (s MessageStatus) Terminal() bool {
	return s == MessageCompleted || s == MessageFailed
}

// AllMessageStatuses lists statuses in lifecycle order. Used by queue stats.
var AllMessageStatuses = []MessageStatus{
	MessagePending,
	MessageProcessing,
	MessageRetrying,
	MessageCompleted,
	MessageFailed,
}

// MessageType identifies what produced a queue message.
type MessageType string

const (
	MessageTypeEmail    MessageType = "email"
	MessageTypeReminder MessageType = "reminder"
)

// EventType identifies the kind of entry in the email event log.
type EventType string

const (
	EventSent      EventType = "SENT"
	EventFailed    EventType = "FAILED"
	EventBounced   EventType = "BOUNCED"
	EventRetried   EventType = "RETRIED"
	EventPreviewed EventType = "PREVIEWED"
	EventAlert     EventType = "ALERT"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventSent, EventFailed, EventBounced, EventRetried, EventPreviewed, EventAlert:
		return true
	}
	return false
}

// JobStatus is the state machine of a registered cron job.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Frequency is the delivery cadence a user picked for a notification category.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyNever     Frequency = "never"
)

// OutcomeStatus is the best-effort result a producer reports to its caller.
type OutcomeStatus string

const (
	OutcomeQueued  OutcomeStatus = "queued"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// SkipReason explains why a producer did not enqueue.
type SkipReason string

const (
	SkipBounced     SkipReason = "recipient_bounced"
	SkipPreference  SkipReason = "preference_disabled"
	SkipDuplicate   SkipReason = "duplicate"
	SkipReminderCap SkipReason = "reminder_cap_reached"
)

// Alert classes raised by the monitor.
const (
	AlertFailureDensity = "failure_density"
	AlertJobRunFailures = "job_run_failures"
)
