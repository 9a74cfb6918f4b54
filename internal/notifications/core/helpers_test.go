package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"courier/internal/notifications/email"
	"courier/internal/store/memory"
	"courier/internal/types"
)

// manualClock is advanced explicitly by tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockLogger records messages by level.
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockLogger) record(level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, level+":"+msg)
}

func (m *mockLogger) Info(msg string, _ ...any)  { m.record("info", msg) }
func (m *mockLogger) Error(msg string, _ ...any) { m.record("error", msg) }
func (m *mockLogger) Warn(msg string, _ ...any)  { m.record("warn", msg) }
func (m *mockLogger) With(...any) types.Logger   { return m }

type recordingEvents struct {
	mu     sync.Mutex
	events []types.EmailEvent
}

func (r *recordingEvents) LogEvent(_ context.Context, e types.EmailEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEvents) ofType(t types.EventType) []types.EmailEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.EmailEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// scriptedProvider returns queued results in order, then the fallback.
type scriptedProvider struct {
	mu       sync.Mutex
	results  []error
	fallback error
	calls    []types.SendInput
	sendFn   func(ctx context.Context, in types.SendInput) (string, error)
}

func (p *scriptedProvider) Send(ctx context.Context, in types.SendInput) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, in)
	var err error
	if len(p.results) > 0 {
		err = p.results[0]
		p.results = p.results[1:]
	} else {
		err = p.fallback
	}
	fn := p.sendFn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, in)
	}
	if err != nil {
		return "", err
	}
	return "prov-" + in.ReferenceID, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) callsTo(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if normalizeAddress(c.To) == normalizeAddress(addr) {
			n++
		}
	}
	return n
}

var (
	errRateLimited = types.NewAppError(types.ErrCodeUpstreamRateLimited, "429 too many requests", nil)
	errServer      = types.NewAppError(types.ErrCodeUpstreamUnavailable, "503 unavailable", nil)
	errInvalid     = types.NewAppError(types.ErrCodeEmailRejected, "400 bad request", nil)
	errBounced     = types.NewAppError(types.ErrCodeEmailBounced, "550 mailbox does not exist", nil)
)

// harness wires the pipeline over in-memory stores.
type harness struct {
	clock      *manualClock
	queue      *memory.QueueStore
	retries    *memory.RetryStore
	bounces    *memory.BounceStore
	dedup      *memory.DedupStore
	reminders  *memory.ReminderStore
	prefs      *memory.PreferenceStore
	provider   *scriptedProvider
	events     *recordingEvents
	recovery   *RecoveryService
	dispatcher *Dispatcher
	notifier   *Notifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:    newManualClock(),
		retries:  memory.NewRetryStore(),
		bounces:  memory.NewBounceStore(),
		prefs:    memory.NewPreferenceStore(),
		provider: &scriptedProvider{},
		events:   &recordingEvents{},
	}
	h.queue = memory.NewQueueStore(h.clock)
	h.dedup = memory.NewDedupStore(h.clock)
	h.reminders = memory.NewReminderStore(h.clock)

	sender := SenderIdentity{Address: "notifications@courier.local", Name: "Document Desk"}
	h.recovery = NewRecoveryService(RecoveryDeps{
		Queue:    h.queue,
		Retries:  h.retries,
		Bounces:  h.bounces,
		Provider: h.provider,
		Events:   h.events,
		Clock:    h.clock,
		Logger:   &mockLogger{},
	}, RecoveryConfig{Policy: EmailRetryPolicy, Sender: sender})

	h.dispatcher = NewDispatcher(DispatcherDeps{
		Queue:    h.queue,
		Provider: h.provider,
		Recovery: h.recovery,
		Events:   h.events,
		Clock:    h.clock,
		Logger:   &mockLogger{},
	}, DispatcherConfig{
		Workers:           2,
		PollInterval:      5 * time.Millisecond,
		SendTimeout:       time.Second,
		VisibilityTimeout: 5 * time.Minute,
		MaxAttempts:       4,
		Sender:            sender,
	})

	renderer, err := email.NewRenderer(email.RendererConfig{Clock: h.clock})
	if err != nil {
		t.Fatalf("NewRenderer() error: %v", err)
	}
	h.notifier = NewNotifier(NotifierDeps{
		Queue:       h.queue,
		Renderer:    renderer,
		Bounces:     h.bounces,
		Preferences: NewPreferenceGate(h.prefs),
		Dedup:       NewDedupGate(h.dedup, DefaultDedupWindow, nil),
		Reminders:   h.reminders,
		Logger:      &mockLogger{},
	}, NotifierConfig{MaxAttempts: 4, ReminderCap: 3})

	return h
}

// enqueue places a raw message, bypassing the producer gates.
func (h *harness) enqueue(t *testing.T, recipient string) *types.QueueMessage {
	t.Helper()
	msg, err := h.queue.Enqueue(context.Background(), &types.QueueMessage{
		Type: types.MessageTypeEmail,
		Payload: types.MessagePayload{
			Recipient:    recipient,
			Subject:      "BOL uploaded for load 4411",
			HTML:         "<p>uploaded</p>",
			Text:         "uploaded",
			TemplateName: email.TemplateDocumentUploaded,
		},
		MaxAttempts: 4,
	})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	return msg
}

func (h *harness) get(t *testing.T, id string) *types.QueueMessage {
	t.Helper()
	msg, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", id, err)
	}
	return msg
}

func missingDocNotification(recipient, load, doc string) Notification {
	return Notification{
		Type:           types.MessageTypeReminder,
		Recipient:      recipient,
		Template:       email.TemplateMissingDocument,
		Data:           email.MissingDocumentData{LoadNumber: load, DocumentType: doc, UploadURL: "https://app.example.com/loads/" + load + "/upload", ReminderNumber: 1},
		CorrelationIDs: []string{load, doc},
		ReminderKey:    load + ":" + doc,
	}
}
