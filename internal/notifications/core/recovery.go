package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courier/internal/notifications/email"
	"courier/internal/types"
)

// RecoveryConfig tunes the retry processor.
type RecoveryConfig struct {
	Policy      RetryPolicy
	BatchSize   int
	Lease       time.Duration
	SendTimeout time.Duration
	Sender      SenderIdentity
}

// RecoveryService owns message-level retries and the bounce list. A message
// handed to it is parked in the queue (RETRYING, no next attempt) so the
// dispatcher never claims it again; only ProcessDue resends it.
type RecoveryService struct {
	queue    QueueStore
	retries  RetryStore
	bounces  BounceStore
	provider types.Provider
	events   types.EventLogger
	metrics  NotificationMetrics
	clock    types.Clock
	logger   types.Logger
	cfg      RecoveryConfig
}

// RecoveryDeps groups the collaborators of a RecoveryService.
type RecoveryDeps struct {
	Queue    QueueStore
	Retries  RetryStore
	Bounces  BounceStore
	Provider types.Provider
	Events   types.EventLogger
	Metrics  NotificationMetrics
	Clock    types.Clock
	Logger   types.Logger
}

func NewRecoveryService(deps RecoveryDeps, cfg RecoveryConfig) *RecoveryService {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = EmailRetryPolicy
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	s := &RecoveryService{
		queue:    deps.Queue,
		retries:  deps.Retries,
		bounces:  deps.Bounces,
		provider: deps.Provider,
		events:   deps.Events,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   deps.Logger,
		cfg:      cfg,
	}
	if s.events == nil {
		s.events = nopEvents{}
	}
	if s.metrics == nil {
		s.metrics = NopMetrics{}
	}
	if s.clock == nil {
		s.clock = types.RealClock{}
	}
	if s.logger == nil {
		s.logger = types.NopLogger{}
	}
	return s
}

// Retryable reports whether a failure of msg qualifies for the retry queue.
// UNKNOWN gets one retry, only on the message's first failure.
func Retryable(msg *types.QueueMessage, err error) bool {
	kind := types.KindOf(err)
	if kind.Retryable() {
		return true
	}
	return kind == types.KindUnknown && msg.Attempts == 0
}

// AddToRetryQueue creates a RetryRecord for msg. It returns false without
// error when the recipient is bounced or the failure is not retryable; the
// caller then fails the message. An existing record for the message counts
// as accepted.
func (s *RecoveryService) AddToRetryQueue(ctx context.Context, msg *types.QueueMessage, sendErr error) (bool, error) {
	if !Retryable(msg, sendErr) {
		return false, nil
	}
	bounced, err := s.bounces.IsBounced(ctx, msg.Payload.Recipient)
	if err != nil {
		return false, err
	}
	if bounced {
		return false, nil
	}

	now := s.clock.Now()
	rec := &types.RetryRecord{
		ID:                uuid.NewString(),
		OriginalMessageID: msg.ID,
		Recipient:         normalizeAddress(msg.Payload.Recipient),
		TemplateName:      msg.Payload.TemplateName,
		Attempts:          0,
		LastAttempt:       now,
		NextAttempt:       now.Add(CalculateNextRetry(s.cfg.Policy, 0)),
		LastError:         sendErr.Error(),
	}
	if err := s.retries.Create(ctx, rec); err != nil {
		if types.IsCode(err, types.ErrCodeConflictRetryExists) {
			return true, nil
		}
		return false, err
	}

	s.logger.Info("message queued for retry",
		"message_id", msg.ID,
		"recipient", redact(msg.Payload.Recipient),
		"template", msg.Payload.TemplateName,
		"kind", string(types.KindOf(sendErr)),
		"next_attempt", rec.NextAttempt.Format(time.RFC3339),
	)
	return true, nil
}

// Cancel drops the retry record of a message that could not be parked.
func (s *RecoveryService) Cancel(ctx context.Context, messageID string) error {
	rec, err := s.retries.GetByMessage(ctx, messageID)
	if err != nil || rec == nil {
		return err
	}
	return s.retries.Delete(ctx, rec.ID)
}

// ProcessResult summarises one ProcessDue pass.
type ProcessResult struct {
	Claimed     int
	Retried     int
	Rescheduled int
	Failed      int
}

// ProcessDue resends every due record. Failures of individual records are
// logged and do not stop the pass.
func (s *RecoveryService) ProcessDue(ctx context.Context) (ProcessResult, error) {
	var res ProcessResult
	recs, err := s.retries.ClaimDue(ctx, s.clock.Now(), s.cfg.Policy.MaxAttempts, s.cfg.BatchSize, s.cfg.Lease)
	if err != nil {
		return res, fmt.Errorf("ProcessDue: %w", err)
	}
	res.Claimed = len(recs)

	for i := range recs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome, err := s.process(ctx, &recs[i])
		if err != nil {
			s.logger.Error("retry processing failed",
				"retry_id", recs[i].ID,
				"message_id", recs[i].OriginalMessageID,
				"error", err.Error(),
			)
			continue
		}
		switch outcome {
		case MetricSuccess:
			res.Retried++
		case MetricRetried:
			res.Rescheduled++
		default:
			res.Failed++
		}
	}
	return res, nil
}

func (s *RecoveryService) process(ctx context.Context, rec *types.RetryRecord) (MetricResult, error) {
	bounced, err := s.bounces.IsBounced(ctx, rec.Recipient)
	if err != nil {
		return "", err
	}
	if bounced {
		return MetricBounced, s.drop(ctx, rec, errRecipientBounced)
	}

	msg, err := s.queue.Get(ctx, rec.OriginalMessageID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundMessage) {
			return MetricFailed, s.retries.Delete(ctx, rec.ID)
		}
		return "", err
	}
	if msg.Status.Terminal() {
		return MetricFailed, s.retries.Delete(ctx, rec.ID)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	start := s.clock.Now()
	providerID, sendErr := s.provider.Send(sendCtx, s.cfg.Sender.input(msg))
	cancel()
	s.metrics.RecordLatency(ctx, msg.Payload.TemplateName, s.clock.Now().Sub(start))

	attempts := rec.Attempts + 1
	if sendErr == nil {
		if err := ignoreSettled(s.queue.Complete(ctx, msg.ID)); err != nil {
			return "", err
		}
		if err := s.retries.Delete(ctx, rec.ID); err != nil {
			return "", err
		}
		s.events.LogEvent(ctx, types.EmailEvent{
			ID:           uuid.NewString(),
			Type:         types.EventRetried,
			Timestamp:    s.clock.Now(),
			Recipient:    msg.Payload.Recipient,
			TemplateName: msg.Payload.TemplateName,
			Metadata: map[string]any{
				"message_id":          msg.ID,
				"provider_message_id": providerID,
				"attempts":            attempts,
			},
		})
		s.metrics.RecordDelivery(ctx, msg.Payload.TemplateName, MetricSuccess, "")
		s.logger.Info("retry delivered",
			"message_id", msg.ID,
			"recipient", redact(msg.Payload.Recipient),
			"attempts", attempts,
		)
		return MetricSuccess, nil
	}

	kind := types.KindOf(sendErr)
	if kind == types.KindBounce {
		if err := s.retries.Delete(ctx, rec.ID); err != nil {
			return "", err
		}
		if err := ignoreSettled(s.queue.Fail(ctx, msg.ID, sendErr)); err != nil {
			return "", err
		}
		return MetricBounced, s.HandleBounce(ctx, msg.ID, msg.Payload.Recipient, sendErr.Error())
	}

	if !kind.Retryable() || attempts >= s.cfg.Policy.MaxAttempts {
		return MetricFailed, s.exhaust(ctx, rec, msg, sendErr, attempts)
	}

	status, err := s.queue.Retry(ctx, msg.ID, sendErr, nil)
	if err != nil {
		if ignoreSettled(err) != nil {
			return "", err
		}
		return MetricFailed, s.retries.Delete(ctx, rec.ID)
	}
	if status == types.MessageFailed {
		return MetricFailed, s.exhaust(ctx, rec, msg, sendErr, attempts)
	}

	now := s.clock.Now()
	rec.Attempts = attempts
	rec.LastAttempt = now
	rec.NextAttempt = now.Add(CalculateNextRetry(s.cfg.Policy, attempts))
	rec.LastError = sendErr.Error()
	if err := s.retries.Reschedule(ctx, rec); err != nil {
		return "", err
	}
	s.logger.Warn("retry failed, rescheduled",
		"message_id", msg.ID,
		"kind", string(kind),
		"attempts", attempts,
		"next_attempt", rec.NextAttempt.Format(time.RFC3339),
	)
	return MetricRetried, nil
}

// exhaust ends a retry: record removed, message failed, FAILED logged.
func (s *RecoveryService) exhaust(ctx context.Context, rec *types.RetryRecord, msg *types.QueueMessage, sendErr error, attempts int) error {
	if err := s.retries.Delete(ctx, rec.ID); err != nil {
		return err
	}
	if err := ignoreSettled(s.queue.Fail(ctx, msg.ID, sendErr)); err != nil {
		return err
	}
	kind := types.KindOf(sendErr)
	s.events.LogEvent(ctx, types.EmailEvent{
		ID:           uuid.NewString(),
		Type:         types.EventFailed,
		Timestamp:    s.clock.Now(),
		Recipient:    msg.Payload.Recipient,
		TemplateName: msg.Payload.TemplateName,
		Error:        sendErr.Error(),
		Metadata: map[string]any{
			"message_id": msg.ID,
			"kind":       string(kind),
			"attempts":   attempts,
		},
	})
	s.metrics.RecordDelivery(ctx, msg.Payload.TemplateName, MetricFailed, kind)
	s.logger.Error("retry exhausted",
		"message_id", msg.ID,
		"recipient", redact(msg.Payload.Recipient),
		"kind", string(kind),
		"attempts", attempts,
	)
	return nil
}

// drop removes a record whose recipient bounced in the meantime.
func (s *RecoveryService) drop(ctx context.Context, rec *types.RetryRecord, cause error) error {
	if err := s.retries.Delete(ctx, rec.ID); err != nil {
		return err
	}
	return ignoreSettled(s.queue.Discard(ctx, rec.OriginalMessageID, cause))
}

// HandleBounce suppresses recipient permanently. Pending retries for the
// address are purged and their parked messages failed.
func (s *RecoveryService) HandleBounce(ctx context.Context, messageID, recipient, reason string) error {
	addr := normalizeAddress(recipient)
	if addr == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "bounce without recipient", nil)
	}
	now := s.clock.Now()

	s.events.LogEvent(ctx, types.EmailEvent{
		ID:        uuid.NewString(),
		Type:      types.EventBounced,
		Timestamp: now,
		Recipient: addr,
		Error:     reason,
		Metadata:  map[string]any{"message_id": messageID},
	})

	if err := s.bounces.Add(ctx, types.BouncedAddress{Email: addr, Reason: reason, Timestamp: now}); err != nil {
		return fmt.Errorf("HandleBounce: %w", err)
	}

	purged, err := s.retries.DeleteByRecipient(ctx, addr)
	if err != nil {
		return fmt.Errorf("HandleBounce: purge retries: %w", err)
	}
	for _, rec := range purged {
		if err := ignoreSettled(s.queue.Discard(ctx, rec.OriginalMessageID, errRecipientBounced)); err != nil {
			s.logger.Error("failed to fail parked message after bounce",
				"message_id", rec.OriginalMessageID,
				"error", err.Error(),
			)
		}
	}

	s.metrics.RecordDelivery(ctx, "", MetricBounced, types.KindBounce)
	s.logger.Warn("recipient suppressed",
		"recipient", redact(addr),
		"message_id", messageID,
		"purged_retries", len(purged),
	)
	return nil
}

func (s *RecoveryService) IsBounced(ctx context.Context, recipient string) (bool, error) {
	return s.bounces.IsBounced(ctx, recipient)
}

// ProcessFeedback applies provider feedback events (hard bounces and
// complaints) to the bounce list.
func (s *RecoveryService) ProcessFeedback(ctx context.Context, events []email.FeedbackEvent) error {
	var firstErr error
	for _, ev := range events {
		reason := fmt.Sprintf("%s: %s", ev.Type, ev.Reason)
		if err := s.HandleBounce(ctx, ev.ReferenceID, ev.EmailAddress, reason); err != nil {
			s.logger.Error("failed to apply feedback",
				"recipient", redact(ev.EmailAddress),
				"provider_message_id", ev.ProviderMessageID,
				"error", err.Error(),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
