package types

import (
	"encoding/json"
	"time"
)

// Attachment is a file carried inline with a message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content"`
}

// MessagePayload is everything the Provider needs to deliver one email.
// It is stored as JSONB in notification_queue.payload.
type MessagePayload struct {
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject"`
	HTML         string            `json:"html,omitempty"`
	Text         string            `json:"text,omitempty"`
	CC           []string          `json:"cc,omitempty"`
	BCC          []string          `json:"bcc,omitempty"`
	ReplyTo      string            `json:"reply_to,omitempty"`
	Attachments  []Attachment      `json:"attachments,omitempty"`
	TemplateName string            `json:"template_name,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// MessageError is the structured last-error stored on a queue row.
type MessageError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// QueueMessage is one row of the notification queue.
type QueueMessage struct {
	ID             string          `json:"id"`
	Type           MessageType     `json:"type"`
	Payload        MessagePayload  `json:"payload"`
	Status         MessageStatus   `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	ClaimExpiresAt *time.Time      `json:"claim_expires_at,omitempty"`
	LastError      *MessageError   `json:"last_error,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// NewMessageError builds the stored error for a failed attempt.
func NewMessageError(err error, at time.Time) *MessageError {
	if err == nil {
		return nil
	}
	return &MessageError{Kind: KindOf(err), Message: err.Error(), At: at}
}

// RetryRecord tracks a message that failed transiently and is owned by the
// recovery service until it succeeds or exhausts its attempts.
type RetryRecord struct {
	ID                string    `json:"id"`
	OriginalMessageID string    `json:"original_message_id"`
	Recipient         string    `json:"recipient"`
	TemplateName      string    `json:"template_name"`
	Attempts          int       `json:"attempts"`
	LastAttempt       time.Time `json:"last_attempt"`
	NextAttempt       time.Time `json:"next_attempt"`
	LastError         string    `json:"last_error,omitempty"`
}

// BouncedAddress is a permanent suppression entry. Email is lower-cased.
type BouncedAddress struct {
	Email     string    `json:"email"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// EmailEvent is one entry in the monitoring event log.
type EmailEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	Recipient    string         `json:"recipient,omitempty"`
	TemplateName string         `json:"template_name,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CronJob is the persisted state of a registered periodic producer.
type CronJob struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Schedule   string        `json:"schedule"`
	Enabled    bool          `json:"enabled"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	NextRun    time.Time     `json:"next_run"`
	Status     JobStatus     `json:"status"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// JobFailure describes one target a job could not notify.
type JobFailure struct {
	Recipient string `json:"recipient,omitempty"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error"`
}

// CronRun is one execution of a CronJob.
type CronRun struct {
	ID           string        `json:"id"`
	JobID        string        `json:"job_id"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Success      bool          `json:"success"`
	EmailsSent   int           `json:"emails_sent"`
	EmailsFailed int           `json:"emails_failed"`
	Failures     []JobFailure  `json:"failures,omitempty"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// JobResultData carries the counters a handler reports.
type JobResultData struct {
	EmailsSent   int          `json:"emails_sent"`
	EmailsFailed int          `json:"emails_failed"`
	Failures     []JobFailure `json:"failures,omitempty"`
}

// JobResult is the structured outcome of a job handler.
type JobResult struct {
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Data    JobResultData `json:"data"`
}

// NotificationPreference is a user's opt-in setting for one notification type.
type NotificationPreference struct {
	UserID    string    `json:"user_id"`
	Category  string    `json:"category"`
	Type      string    `json:"type"`
	Enabled   bool      `json:"enabled"`
	Frequency Frequency `json:"frequency"`
}

// Allows reports whether an immediate send is permitted.
func (p NotificationPreference) Allows() bool {
	return p.Enabled && p.Frequency != FrequencyNever
}

// ReminderCount caps how many reminders a correlation key may receive.
type ReminderCount struct {
	Key        string    `json:"key"`
	Count      int       `json:"count"`
	LastSentAt time.Time `json:"last_sent_at"`
}

// QueueStats counts queue rows by status.
type QueueStats map[MessageStatus]int64

// Outcome is what a producer returns to the business action that triggered it.
// It never blocks the primary action.
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	MessageID string        `json:"message_id,omitempty"`
	Reason    SkipReason    `json:"reason,omitempty"`
	Err       error         `json:"-"`
}
