package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"courier/internal/types"
)

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers           int
	PollInterval      time.Duration
	SendTimeout       time.Duration
	VisibilityTimeout time.Duration
	MaxAttempts       int
	RatePerSec        float64
	Burst             int
	Sender            SenderIdentity
}

// Dispatcher claims queued messages and sends them through the Provider.
// Each send runs under SendTimeout; a worker that dies mid-send leaves its
// claim to expire so another worker picks the row up.
type Dispatcher struct {
	queue    QueueStore
	provider types.Provider
	recovery *RecoveryService
	events   types.EventLogger
	metrics  NotificationMetrics
	limiter  *rate.Limiter
	clock    types.Clock
	logger   types.Logger
	cfg      DispatcherConfig
	wake     chan struct{}
}

type DispatcherDeps struct {
	Queue    QueueStore
	Provider types.Provider
	Recovery *RecoveryService
	Events   types.EventLogger
	Metrics  NotificationMetrics
	Clock    types.Clock
	Logger   types.Logger
}

func NewDispatcher(deps DispatcherDeps, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = EmailRetryPolicy.MaxAttempts + 1
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	d := &Dispatcher{
		queue:    deps.Queue,
		provider: deps.Provider,
		recovery: deps.Recovery,
		events:   deps.Events,
		metrics:  deps.Metrics,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		clock:    deps.Clock,
		logger:   deps.Logger,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
	}
	if d.events == nil {
		d.events = nopEvents{}
	}
	if d.metrics == nil {
		d.metrics = NopMetrics{}
	}
	if d.clock == nil {
		d.clock = types.RealClock{}
	}
	if d.logger == nil {
		d.logger = types.NopLogger{}
	}
	return d
}

// Run starts the worker loops and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			d.loop(gCtx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, worker int) {
	log := d.logger.With("worker_id", worker)
	log.Info("dispatcher worker started")
	for {
		processed, err := d.ProcessOne(ctx)
		if ctx.Err() != nil {
			log.Info("dispatcher worker stopped")
			return
		}
		if err != nil {
			log.Error("dispatch failed", "error", err.Error())
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("dispatcher worker stopped")
			return
		case <-d.wake:
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// Wake nudges one idle worker. It never blocks.
func (d *Dispatcher) Wake(_ context.Context, _ string) error {
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Drain processes messages until the queue has nothing claimable, max
// limit messages were handled (limit <= 0 means no cap), or ctx ends.
func (d *Dispatcher) Drain(ctx context.Context, limit int) (int, error) {
	n := 0
	for limit <= 0 || n < limit {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		processed, err := d.ProcessOne(ctx)
		if err != nil {
			return n, err
		}
		if !processed {
			break
		}
		n++
	}
	return n, nil
}

// ProcessOne claims and settles a single message. It reports false when
// nothing was claimable.
func (d *Dispatcher) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := d.queue.Dequeue(ctx, d.cfg.MaxAttempts, d.cfg.VisibilityTimeout)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if msg == nil {
		return false, nil
	}
	if msg.Attempts == 0 {
		d.metrics.RecordQueueLag(ctx, d.clock.Now().Sub(msg.CreatedAt))
	}
	return true, d.deliver(ctx, msg)
}

func (d *Dispatcher) deliver(ctx context.Context, msg *types.QueueMessage) error {
	template := msg.Payload.TemplateName

	bounced, err := d.recovery.IsBounced(ctx, msg.Payload.Recipient)
	if err != nil {
		return fmt.Errorf("bounce check for %s: %w", msg.ID, err)
	}
	if bounced {
		if err := ignoreSettled(d.queue.Discard(ctx, msg.ID, errRecipientBounced)); err != nil {
			return err
		}
		d.logFailure(ctx, msg, errRecipientBounced, map[string]any{"reason": string(types.SkipBounced)})
		d.metrics.RecordSkip(ctx, template, types.SkipBounced)
		return nil
	}

	// Waiting past ctx leaves the claim to expire.
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	start := d.clock.Now()
	providerID, sendErr := d.provider.Send(sendCtx, d.cfg.Sender.input(msg))
	cancel()
	d.metrics.RecordLatency(ctx, template, d.clock.Now().Sub(start))

	return d.settle(ctx, msg, providerID, sendErr)
}

func (d *Dispatcher) settle(ctx context.Context, msg *types.QueueMessage, providerID string, sendErr error) error {
	template := msg.Payload.TemplateName

	if sendErr == nil {
		if err := ignoreSettled(d.queue.Complete(ctx, msg.ID)); err != nil {
			return err
		}
		d.events.LogEvent(ctx, types.EmailEvent{
			ID:           uuid.NewString(),
			Type:         types.EventSent,
			Timestamp:    d.clock.Now(),
			Recipient:    msg.Payload.Recipient,
			TemplateName: template,
			Metadata: map[string]any{
				"message_id":          msg.ID,
				"provider_message_id": providerID,
			},
		})
		d.metrics.RecordDelivery(ctx, template, MetricSuccess, "")
		return nil
	}

	kind := types.KindOf(sendErr)
	switch {
	case kind == types.KindBounce:
		if err := ignoreSettled(d.queue.Fail(ctx, msg.ID, sendErr)); err != nil {
			return err
		}
		return d.recovery.HandleBounce(ctx, msg.ID, msg.Payload.Recipient, sendErr.Error())

	case Retryable(msg, sendErr):
		accepted, err := d.recovery.AddToRetryQueue(ctx, msg, sendErr)
		if err != nil {
			return err
		}
		if accepted {
			status, err := d.queue.Retry(ctx, msg.ID, sendErr, nil)
			if err != nil {
				d.cancelRetry(ctx, msg.ID)
				return ignoreSettled(err)
			}
			if status == types.MessageFailed {
				d.cancelRetry(ctx, msg.ID)
				d.logFailure(ctx, msg, sendErr, nil)
				d.metrics.RecordDelivery(ctx, template, MetricFailed, kind)
				return nil
			}
			d.metrics.RecordDelivery(ctx, template, MetricRetried, kind)
			return nil
		}
	}

	if err := ignoreSettled(d.queue.Fail(ctx, msg.ID, sendErr)); err != nil {
		return err
	}
	d.logFailure(ctx, msg, sendErr, nil)
	d.metrics.RecordDelivery(ctx, template, MetricFailed, kind)
	return nil
}

func (d *Dispatcher) cancelRetry(ctx context.Context, messageID string) {
	if err := d.recovery.Cancel(ctx, messageID); err != nil {
		d.logger.Error("failed to cancel retry record", "message_id", messageID, "error", err.Error())
	}
}

func (d *Dispatcher) logFailure(ctx context.Context, msg *types.QueueMessage, cause error, meta map[string]any) {
	md := map[string]any{
		"message_id": msg.ID,
		"kind":       string(types.KindOf(cause)),
		"attempts":   msg.Attempts + 1,
	}
	for k, v := range meta {
		md[k] = v
	}
	d.events.LogEvent(ctx, types.EmailEvent{
		ID:           uuid.NewString(),
		Type:         types.EventFailed,
		Timestamp:    d.clock.Now(),
		Recipient:    msg.Payload.Recipient,
		TemplateName: msg.Payload.TemplateName,
		Error:        cause.Error(),
		Metadata:     md,
	})
	d.logger.Warn("message failed",
		"message_id", msg.ID,
		"recipient", redact(msg.Payload.Recipient),
		"template", msg.Payload.TemplateName,
		"error", cause.Error(),
	)
}
