package scheduler

import (
	"context"
	"fmt"

	"courier/internal/notifications/core"
	"courier/internal/notifications/email"
	"courier/internal/types"
)

// Names and defaults for the missing-document reminder job.
const (
	MissingDocumentJobID   = "missing-document-reminders"
	MissingDocumentJobName = "Missing document reminders"

	reminderCategory       = "documents"
	reminderPreferenceType = "missing_document"
)

// Notifier is the producer the job hands each target to.
type Notifier interface {
	Notify(ctx context.Context, n core.Notification) types.Outcome
}

// ReminderCounter reports how many reminders a key has already received.
type ReminderCounter interface {
	Get(ctx context.Context, key string) (*types.ReminderCount, error)
}

// MissingDocumentJob reminds uploaders about documents still missing from a
// load. Suppression (bounce, preference, dedup, reminder cap) happens in the
// Notifier; the job only counts outcomes.
type MissingDocumentJob struct {
	targets   types.TargetEnumerator
	notifier  Notifier
	reminders ReminderCounter
	logger    types.Logger
}

func NewMissingDocumentJob(targets types.TargetEnumerator, notifier Notifier, reminders ReminderCounter, logger types.Logger) *MissingDocumentJob {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &MissingDocumentJob{
		targets:   targets,
		notifier:  notifier,
		reminders: reminders,
		logger:    logger.With("job", MissingDocumentJobID),
	}
}

// ReminderKey identifies one (load, document) pair for the reminder cap.
func ReminderKey(loadID, documentType string) string {
	return loadID + ":" + documentType
}

// Spec returns the registration for this job.
func (j *MissingDocumentJob) Spec(schedule string, enabled bool) JobSpec {
	return JobSpec{
		ID:         MissingDocumentJobID,
		Name:       MissingDocumentJobName,
		Schedule:   schedule,
		Enabled:    enabled,
		MaxRetries: core.JobRetryPolicy.MaxAttempts,
		RetryDelay: core.JobRetryPolicy.BaseDelay,
		Handler:    j.Run,
	}
}

// Run notifies every current target. Enumeration failure fails the run;
// individual send failures are counted and the run still succeeds.
func (j *MissingDocumentJob) Run(ctx context.Context) (types.JobResult, error) {
	targets, err := j.targets.Targets(ctx)
	if err != nil {
		return types.JobResult{}, fmt.Errorf("enumerating missing documents: %w", err)
	}

	var data types.JobResultData
	skipped := 0
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return types.JobResult{Message: "cancelled", Data: data}, err
		}

		key := ReminderKey(t.LoadID, t.DocumentType)
		out := j.notifier.Notify(ctx, core.Notification{
			Type:           types.MessageTypeReminder,
			UserID:         t.UserID,
			Category:       reminderCategory,
			PreferenceType: reminderPreferenceType,
			Recipient:      t.Recipient,
			Template:       email.TemplateMissingDocument,
			Data: email.MissingDocumentData{
				RecipientName:  t.RecipientName,
				LoadNumber:     t.LoadNumber,
				DocumentType:   t.DocumentType,
				UploadURL:      t.UploadURL,
				ReminderNumber: j.nextReminder(ctx, key),
			},
			CorrelationIDs: []string{t.LoadID, t.DocumentType},
			ReminderKey:    key,
			Metadata: map[string]string{
				"load_id":       t.LoadID,
				"document_type": t.DocumentType,
			},
		})

		switch out.Status {
		case types.OutcomeQueued:
			data.EmailsSent++
		case types.OutcomeSkipped:
			skipped++
		default:
			data.EmailsFailed++
			msg := "notification failed"
			if out.Err != nil {
				msg = out.Err.Error()
			}
			data.Failures = append(data.Failures, types.JobFailure{
				Recipient: email.RedactAddress(t.Recipient),
				Reference: key,
				Error:     msg,
			})
		}
	}

	j.logger.Info("missing document scan finished",
		"targets", len(targets),
		"queued", data.EmailsSent,
		"skipped", skipped,
		"failed", data.EmailsFailed,
	)
	return types.JobResult{
		Success: true,
		Message: fmt.Sprintf("queued %d of %d reminders (%d skipped)", data.EmailsSent, len(targets), skipped),
		Data:    data,
	}, nil
}

// nextReminder is the ordinal this send will carry. A lookup failure falls
// back to 1; the cap itself is enforced by the Notifier.
func (j *MissingDocumentJob) nextReminder(ctx context.Context, key string) int {
	if j.reminders == nil {
		return 1
	}
	rc, err := j.reminders.Get(ctx, key)
	if err != nil {
		j.logger.Warn("reminder count lookup failed", "key", key, "error", err)
		return 1
	}
	if rc == nil {
		return 1
	}
	return rc.Count + 1
}
