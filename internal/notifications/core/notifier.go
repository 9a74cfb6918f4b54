package core

import (
	"context"
	"encoding/json"
	"fmt"

	"courier/internal/notifications/email"
	"courier/internal/types"
)

// Renderer turns a template name and payload into content.
type Renderer interface {
	Render(name string, data any) (*email.Rendered, error)
}

// Notification is one producer request.
type Notification struct {
	Type types.MessageType
	// UserID, Category and PreferenceType locate the opt-in setting. An empty
	// UserID skips the preference gate.
	UserID         string
	Category       string
	PreferenceType string

	Recipient   string
	CC          []string
	BCC         []string
	ReplyTo     string
	Attachments []types.Attachment

	Template string
	Data     any
	// CorrelationIDs join recipient and template in the dedup key, e.g. load
	// ID and document type.
	CorrelationIDs []string
	// ReminderKey, when set, counts against the reminder cap.
	ReminderKey string
	Metadata    map[string]string
}

// NotifierConfig tunes the producer.
type NotifierConfig struct {
	MaxAttempts int
	ReminderCap int
}

// Notifier is the producer side of the pipeline: gates, render, enqueue.
// Notify never returns an error; callers read the Outcome and carry on with
// the business action that triggered it.
type Notifier struct {
	queue       QueueStore
	renderer    Renderer
	bounces     BounceStore
	preferences *PreferenceGate
	dedup       *DedupGate
	reminders   ReminderStore
	waker       Waker
	metrics     NotificationMetrics
	logger      types.Logger
	cfg         NotifierConfig
}

type NotifierDeps struct {
	Queue       QueueStore
	Renderer    Renderer
	Bounces     BounceStore
	Preferences *PreferenceGate
	Dedup       *DedupGate
	Reminders   ReminderStore
	// Waker is optional.
	Waker   Waker
	Metrics NotificationMetrics
	Logger  types.Logger
}

func NewNotifier(deps NotifierDeps, cfg NotifierConfig) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = EmailRetryPolicy.MaxAttempts + 1
	}
	if cfg.ReminderCap <= 0 {
		cfg.ReminderCap = 3
	}
	n := &Notifier{
		queue:       deps.Queue,
		renderer:    deps.Renderer,
		bounces:     deps.Bounces,
		preferences: deps.Preferences,
		dedup:       deps.Dedup,
		reminders:   deps.Reminders,
		waker:       deps.Waker,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		cfg:         cfg,
	}
	if n.metrics == nil {
		n.metrics = NopMetrics{}
	}
	if n.logger == nil {
		n.logger = types.NopLogger{}
	}
	return n
}

// Notify runs the gates and enqueues a rendered message.
func (n *Notifier) Notify(ctx context.Context, req Notification) types.Outcome {
	if normalizeAddress(req.Recipient) == "" {
		return n.failed(req, types.NewAppError(types.ErrCodeValidationMissingField, "recipient is required", nil))
	}

	bounced, err := n.bounces.IsBounced(ctx, req.Recipient)
	if err != nil {
		return n.failed(req, fmt.Errorf("bounce check: %w", err))
	}
	if bounced {
		return n.skipped(ctx, req, types.SkipBounced)
	}

	allowed, err := n.preferences.Allow(ctx, req.UserID, req.Category, req.PreferenceType)
	if err != nil {
		// Fail open: a preference lookup outage must not drop notifications.
		n.logger.Warn("preference lookup failed, sending anyway",
			"user_id", req.UserID,
			"template", req.Template,
			"error", err.Error(),
		)
		allowed = true
	}
	if !allowed {
		return n.skipped(ctx, req, types.SkipPreference)
	}

	rendered, err := n.renderer.Render(req.Template, req.Data)
	if err != nil {
		return n.failed(req, err)
	}

	var dedupKey string
	if n.dedup != nil {
		dedupKey = DedupKey(req.Recipient, req.Template, req.CorrelationIDs...)
		dup, err := n.dedup.Check(ctx, dedupKey, req.Template)
		if err != nil {
			return n.failed(req, fmt.Errorf("dedup check: %w", err))
		}
		if dup {
			return n.skipped(ctx, req, types.SkipDuplicate)
		}
	}

	if req.ReminderKey != "" && n.reminders != nil {
		ok, err := n.reminders.Reserve(ctx, req.ReminderKey, n.cfg.ReminderCap)
		if err != nil {
			n.releaseDedup(ctx, dedupKey)
			return n.failed(req, fmt.Errorf("reminder reserve: %w", err))
		}
		if !ok {
			n.releaseDedup(ctx, dedupKey)
			return n.skipped(ctx, req, types.SkipReminderCap)
		}
	}

	msgType := req.Type
	if msgType == "" {
		msgType = types.MessageTypeEmail
	}
	trace := map[string]any{
		"correlation_ids": req.CorrelationIDs,
		"dedup_key":       dedupKey,
		"reminder_key":    req.ReminderKey,
	}
	if runID, ok := types.GetJobRunID(ctx); ok {
		trace["job_run_id"] = runID
	}
	meta, _ := json.Marshal(trace)
	msg, err := n.queue.Enqueue(ctx, &types.QueueMessage{
		Type: msgType,
		Payload: types.MessagePayload{
			Recipient:    req.Recipient,
			Subject:      rendered.Subject,
			HTML:         rendered.HTML,
			Text:         rendered.Text,
			CC:           req.CC,
			BCC:          req.BCC,
			ReplyTo:      req.ReplyTo,
			Attachments:  req.Attachments,
			TemplateName: req.Template,
			Metadata:     req.Metadata,
		},
		MaxAttempts: n.cfg.MaxAttempts,
		Metadata:    meta,
	})
	if err != nil {
		n.releaseDedup(ctx, dedupKey)
		if req.ReminderKey != "" && n.reminders != nil {
			if rerr := n.reminders.Release(ctx, req.ReminderKey); rerr != nil {
				n.logger.Error("failed to release reminder reservation", "key", req.ReminderKey, "error", rerr.Error())
			}
		}
		return n.failed(req, fmt.Errorf("enqueue: %w", err))
	}

	if n.waker != nil {
		if err := n.waker.Wake(ctx, req.Template); err != nil {
			n.logger.Warn("dispatcher wake-up failed", "message_id", msg.ID, "error", err.Error())
		}
	}

	n.logger.Info("notification queued",
		"message_id", msg.ID,
		"recipient", redact(req.Recipient),
		"template", req.Template,
	)
	return types.Outcome{Status: types.OutcomeQueued, MessageID: msg.ID}
}

func (n *Notifier) releaseDedup(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := n.dedup.Release(ctx, key); err != nil {
		n.logger.Error("failed to release dedup key", "key", key, "error", err.Error())
	}
}

func (n *Notifier) skipped(ctx context.Context, req Notification, reason types.SkipReason) types.Outcome {
	n.metrics.RecordSkip(ctx, req.Template, reason)
	n.logger.Info("notification skipped",
		"recipient", redact(req.Recipient),
		"template", req.Template,
		"reason", string(reason),
	)
	return types.Outcome{Status: types.OutcomeSkipped, Reason: reason}
}

func (n *Notifier) failed(req Notification, err error) types.Outcome {
	n.logger.Error("notification not queued",
		"recipient", redact(req.Recipient),
		"template", req.Template,
		"error", err.Error(),
	)
	return types.Outcome{Status: types.OutcomeFailed, Err: err}
}
