package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"courier/internal/types"
)

// Ticker is the subset of *time.Ticker a PeriodicTask uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a Ticker for an interval. Tests inject a manual one.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.NewTicker.
func NewRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// TaskFunc is one iteration of a periodic task.
type TaskFunc func(ctx context.Context) error

// ErrTaskRunning is returned by Start when the task is already started.
var ErrTaskRunning = errors.New("periodic task already running")

// PeriodicTask runs a function on every tick until stopped. Iterations never
// overlap: a tick that arrives while the previous run is in progress is
// dropped by the ticker.
type PeriodicTask struct {
	name      string
	interval  time.Duration
	timeout   time.Duration
	fn        TaskFunc
	newTicker TickerFactory
	immediate bool
	logger    types.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// TaskOption configures a PeriodicTask.
type TaskOption func(*PeriodicTask)

// WithTicker replaces the wall-clock ticker.
func WithTicker(f TickerFactory) TaskOption {
	return func(t *PeriodicTask) { t.newTicker = f }
}

// WithImmediateRun runs the function once on Start before the first tick.
func WithImmediateRun() TaskOption {
	return func(t *PeriodicTask) { t.immediate = true }
}

// WithRunTimeout bounds each iteration.
func WithRunTimeout(d time.Duration) TaskOption {
	return func(t *PeriodicTask) { t.timeout = d }
}

// NewPeriodicTask creates a stopped task.
func NewPeriodicTask(name string, interval time.Duration, fn TaskFunc, logger types.Logger, opts ...TaskOption) *PeriodicTask {
	if logger == nil {
		logger = types.NopLogger{}
	}
	t := &PeriodicTask{
		name:      name,
		interval:  interval,
		fn:        fn,
		newTicker: NewRealTicker,
		logger:    logger.With("task", name),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name.
func (t *PeriodicTask) Name() string { return t.name }

// Start launches the loop. The loop ends when ctx is cancelled or Stop is
// called.
func (t *PeriodicTask) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return ErrTaskRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	ticker := t.newTicker(t.interval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()

		if t.immediate {
			t.RunOnce(ctx)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				t.RunOnce(ctx)
			}
		}
	}(t.done)

	t.logger.Info("periodic task started", "interval", t.interval.String())
	return nil
}

// Stop cancels the loop and waits for the current iteration to finish.
// Stopping a stopped task is a no-op.
func (t *PeriodicTask) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.logger.Info("periodic task stopped")
}

// Running reports whether the loop is active.
func (t *PeriodicTask) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

// RunOnce executes one iteration synchronously. Errors and panics are logged
// and returned so a failing iteration never ends the loop.
func (t *PeriodicTask) RunOnce(ctx context.Context) (err error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = types.NewAppError(types.ErrCodeInternalUnexpected, "periodic task panicked", nil).
				WithDetails(map[string]any{"panic": r})
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error("periodic task iteration failed", "error", err)
		}
	}()
	return t.fn(ctx)
}
