// Package monitor keeps the in-memory email event log, raises alerts on
// failure bursts and noisy job runs, and forwards events to durable sinks.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/types"
)

// Config holds the buffer size and alert thresholds.
type Config struct {
	BufferSize          int
	FailureThreshold    int
	FailureWindow       time.Duration
	JobFailureThreshold int
	AlertCooldown       time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		BufferSize:          1000,
		FailureThreshold:    5,
		FailureWindow:       5 * time.Minute,
		JobFailureThreshold: 10,
		AlertCooldown:       5 * time.Minute,
	}
}

// Sink receives events for durable storage.
type Sink interface {
	Name() string
	WriteEvents(ctx context.Context, events []types.EmailEvent) error
	Close() error
}

// TemplateMetrics summarizes the buffered events of one template.
type TemplateMetrics struct {
	Template    string    `json:"template"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Bounced     int       `json:"bounced"`
	Retried     int       `json:"retried"`
	Previewed   int       `json:"previewed"`
	SuccessRate float64   `json:"success_rate"`
	LastEventAt time.Time `json:"last_event_at"`
}

type class struct {
	recipient string
	template  string
}

// Monitor is the event log. It is safe for concurrent use.
type Monitor struct {
	cfg    Config
	clock  types.Clock
	logger types.Logger
	sinks  []Sink

	mu        sync.Mutex
	ring      []types.EmailEvent
	next      int
	full      bool
	failures  map[class][]time.Time
	quiet     map[class]time.Time
	nextSweep time.Time
	alerted   map[string]struct{}
	backlogs  []backlog
}

// backlog holds the events one sink has not accepted yet.
type backlog struct {
	events  []types.EmailEvent
	dropped int
}

var _ types.EventLogger = (*Monitor)(nil)

// New creates a Monitor. Zero config fields take their defaults.
func New(cfg Config, clock types.Clock, logger types.Logger, sinks ...Sink) *Monitor {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.JobFailureThreshold <= 0 {
		cfg.JobFailureThreshold = def.JobFailureThreshold
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Monitor{
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		sinks:    sinks,
		ring:     make([]types.EmailEvent, cfg.BufferSize),
		failures: make(map[class][]time.Time),
		quiet:    make(map[class]time.Time),
		alerted:  make(map[string]struct{}),
		backlogs: make([]backlog, len(sinks)),
	}
}

// LogEvent records an event. A FAILED event may additionally raise a
// failure-density alert for its (recipient, template) class.
func (m *Monitor) LogEvent(_ context.Context, ev types.EmailEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.append(ev)
	if ev.Type == types.EventFailed {
		m.trackFailure(ev)
	}
}

// append writes to the ring and to every sink backlog. A backlog keeps at
// most one buffer's worth of events; the oldest are dropped. Caller holds mu.
func (m *Monitor) append(ev types.EmailEvent) {
	m.ring[m.next] = ev
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}

	for i := range m.backlogs {
		b := &m.backlogs[i]
		if len(b.events) >= len(m.ring) {
			b.events = b.events[1:]
			b.dropped++
		}
		b.events = append(b.events, ev)
	}
}

// trackFailure keeps a sliding window of failure timestamps per class.
// Caller holds mu.
func (m *Monitor) trackFailure(ev types.EmailEvent) {
	c := class{recipient: ev.Recipient, template: ev.TemplateName}
	now := ev.Timestamp
	cutoff := now.Add(-m.cfg.FailureWindow)
	m.sweep(now, cutoff)

	window := m.failures[c][:0]
	for _, ts := range m.failures[c] {
		if ts.After(cutoff) {
			window = append(window, ts)
		}
	}
	window = append(window, now)
	m.failures[c] = window

	if len(window) <= m.cfg.FailureThreshold {
		return
	}
	if until, ok := m.quiet[c]; ok && now.Before(until) {
		return
	}
	m.quiet[c] = now.Add(m.cfg.AlertCooldown)

	m.append(types.EmailEvent{
		ID:           uuid.NewString(),
		Type:         types.EventAlert,
		Timestamp:    now,
		Recipient:    ev.Recipient,
		TemplateName: ev.TemplateName,
		Error:        "failure density threshold exceeded",
		Metadata: map[string]any{
			"alert":     types.AlertFailureDensity,
			"failures":  len(window),
			"window":    m.cfg.FailureWindow.String(),
			"threshold": m.cfg.FailureThreshold,
		},
	})
	m.logger.Warn("failure density alert",
		"template", ev.TemplateName,
		"failures", len(window),
	)
}

// sweep forgets classes whose failures all fell out of the window and
// cooldowns that have ended. It runs at most once per window. Caller holds mu.
func (m *Monitor) sweep(now, cutoff time.Time) {
	if now.Before(m.nextSweep) {
		return
	}
	m.nextSweep = now.Add(m.cfg.FailureWindow)

	for c, window := range m.failures {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(m.failures, c)
		}
	}
	for c, until := range m.quiet {
		if !now.Before(until) {
			delete(m.quiet, c)
		}
	}
}

// CheckJobRun raises one alert for a run whose failure count exceeds the job
// threshold. Repeated checks of the same run do not alert again. Reports
// whether an alert was raised.
func (m *Monitor) CheckJobRun(_ context.Context, jobName string, run types.CronRun) bool {
	if run.EmailsFailed <= m.cfg.JobFailureThreshold {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID != "" {
		if _, seen := m.alerted[run.ID]; seen {
			return false
		}
		if len(m.alerted) >= len(m.ring) {
			m.alerted = make(map[string]struct{})
		}
		m.alerted[run.ID] = struct{}{}
	}

	m.append(types.EmailEvent{
		ID:        uuid.NewString(),
		Type:      types.EventAlert,
		Timestamp: m.clock.Now(),
		Error:     "job run failure threshold exceeded",
		Metadata: map[string]any{
			"alert":         types.AlertJobRunFailures,
			"job_id":        run.JobID,
			"job_name":      jobName,
			"run_id":        run.ID,
			"emails_sent":   run.EmailsSent,
			"emails_failed": run.EmailsFailed,
			"threshold":     m.cfg.JobFailureThreshold,
		},
	})
	m.logger.Warn("job run failure alert",
		"job_id", run.JobID,
		"run_id", run.ID,
		"emails_failed", run.EmailsFailed,
	)
	return true
}

// snapshot returns buffered events newest first. Caller holds mu.
func (m *Monitor) snapshot() []types.EmailEvent {
	n := m.next
	if m.full {
		n = len(m.ring)
	}
	out := make([]types.EmailEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		out = append(out, m.ring[idx])
	}
	return out
}

func (m *Monitor) filter(limit int, keep func(types.EmailEvent) bool) []types.EmailEvent {
	m.mu.Lock()
	events := m.snapshot()
	m.mu.Unlock()

	out := events[:0]
	for _, ev := range events {
		if keep(ev) {
			out = append(out, ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

// GetRecentEvents returns up to limit events, newest first. A limit of zero
// or less returns the whole buffer.
func (m *Monitor) GetRecentEvents(limit int) []types.EmailEvent {
	return m.filter(limit, func(types.EmailEvent) bool { return true })
}

// GetEventsByType returns up to limit events of one type, newest first.
func (m *Monitor) GetEventsByType(typ types.EventType, limit int) []types.EmailEvent {
	return m.filter(limit, func(ev types.EmailEvent) bool { return ev.Type == typ })
}

// GetFailedEvents returns up to limit FAILED events, newest first.
func (m *Monitor) GetFailedEvents(limit int) []types.EmailEvent {
	return m.GetEventsByType(types.EventFailed, limit)
}

// GetTemplateMetrics aggregates the buffer per template, sorted by name.
// Events without a template are not counted.
func (m *Monitor) GetTemplateMetrics() []TemplateMetrics {
	byName := make(map[string]*TemplateMetrics)
	for _, ev := range m.GetRecentEvents(0) {
		if ev.TemplateName == "" {
			continue
		}
		tm, ok := byName[ev.TemplateName]
		if !ok {
			tm = &TemplateMetrics{Template: ev.TemplateName}
			byName[ev.TemplateName] = tm
		}
		switch ev.Type {
		case types.EventSent:
			tm.Sent++
		case types.EventFailed:
			tm.Failed++
		case types.EventBounced:
			tm.Bounced++
		case types.EventRetried:
			tm.Retried++
		case types.EventPreviewed:
			tm.Previewed++
		}
		if ev.Timestamp.After(tm.LastEventAt) {
			tm.LastEventAt = ev.Timestamp
		}
	}

	out := make([]TemplateMetrics, 0, len(byName))
	for _, tm := range byName {
		delivered := tm.Sent + tm.Retried
		if total := delivered + tm.Failed + tm.Bounced; total > 0 {
			tm.SuccessRate = float64(delivered) / float64(total)
		}
		out = append(out, *tm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Template < out[j].Template })
	return out
}

// Flush hands each sink its own backlog. A sink that fails keeps its batch
// for the next flush; sinks that succeeded are not sent it again.
func (m *Monitor) Flush(ctx context.Context) error {
	m.mu.Lock()
	batches := make([]backlog, len(m.backlogs))
	copy(batches, m.backlogs)
	for i := range m.backlogs {
		m.backlogs[i] = backlog{}
	}
	m.mu.Unlock()

	var errs []error
	for i, s := range m.sinks {
		batch := batches[i]
		if batch.dropped > 0 {
			m.logger.Warn("event backlog overflowed before flush", "sink", s.Name(), "dropped", batch.dropped)
		}
		if len(batch.events) == 0 {
			continue
		}
		err := s.WriteEvents(ctx, batch.events)
		if err == nil {
			continue
		}
		m.logger.Error("event sink write failed", "sink", s.Name(), "events", len(batch.events), "error", err)
		errs = append(errs, err)
		m.requeue(i, batch.events)
	}
	return errors.Join(errs...)
}

// requeue puts events back in front of sink i's backlog, trimming the oldest
// past the buffer size.
func (m *Monitor) requeue(i int, events []types.EmailEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := &m.backlogs[i]
	merged := append(append([]types.EmailEvent(nil), events...), b.events...)
	if over := len(merged) - len(m.ring); over > 0 {
		merged = merged[over:]
		b.dropped += over
	}
	b.events = merged
}

// Close flushes once more and closes every sink.
func (m *Monitor) Close(ctx context.Context) error {
	errs := []error{m.Flush(ctx)}
	for _, s := range m.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
