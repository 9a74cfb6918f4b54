package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"courier/internal/notifications/core"
	"courier/internal/notifications/email"
	"courier/internal/store/memory"
	"courier/internal/types"
)

// ============================================================
// Fakes
// ============================================================

type staticTargets struct {
	targets []types.ReminderTarget
	err     error
}

func (s staticTargets) Targets(context.Context) ([]types.ReminderTarget, error) {
	return s.targets, s.err
}

type recordingNotifier struct {
	got     []core.Notification
	outcome func(core.Notification) types.Outcome
}

func (r *recordingNotifier) Notify(_ context.Context, n core.Notification) types.Outcome {
	r.got = append(r.got, n)
	if r.outcome != nil {
		return r.outcome(n)
	}
	return types.Outcome{Status: types.OutcomeQueued, MessageID: "m"}
}

type failingCounter struct{}

func (failingCounter) Get(context.Context, string) (*types.ReminderCount, error) {
	return nil, errors.New("db down")
}

func bolTarget() types.ReminderTarget {
	return types.ReminderTarget{
		UserID:        "u1",
		Recipient:     "dispatch@carrier.test",
		RecipientName: "Dana",
		LoadID:        "L1",
		LoadNumber:    "1001",
		DocumentType:  "BOL",
		UploadURL:     "https://app.example.com/loads/L1/upload",
	}
}

// pipeline wires the real Notifier over memory stores.
type pipeline struct {
	clock     *manualClock
	queue     *memory.QueueStore
	reminders *memory.ReminderStore
	notifier  *core.Notifier
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	clock := newManualClock()
	renderer, err := email.NewRenderer(email.RendererConfig{Clock: clock})
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	p := &pipeline{
		clock:     clock,
		queue:     memory.NewQueueStore(clock),
		reminders: memory.NewReminderStore(clock),
	}
	p.notifier = core.NewNotifier(core.NotifierDeps{
		Queue:       p.queue,
		Renderer:    renderer,
		Bounces:     memory.NewBounceStore(),
		Preferences: core.NewPreferenceGate(memory.NewPreferenceStore()),
		Dedup:       core.NewDedupGate(memory.NewDedupStore(clock), core.DefaultDedupWindow, nil),
		Reminders:   p.reminders,
	}, core.NotifierConfig{ReminderCap: 3})
	return p
}

// ============================================================
// Tests
// ============================================================

func TestMissingDocumentJob_BuildsNotification(t *testing.T) {
	n := &recordingNotifier{}
	job := NewMissingDocumentJob(staticTargets{targets: []types.ReminderTarget{bolTarget()}}, n, nil, nil)

	res, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.Data.EmailsSent != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(n.got) != 1 {
		t.Fatalf("notifications = %d", len(n.got))
	}
	got := n.got[0]
	if got.Template != email.TemplateMissingDocument || got.Type != types.MessageTypeReminder {
		t.Errorf("template/type = %s/%s", got.Template, got.Type)
	}
	if got.ReminderKey != "L1:BOL" || len(got.CorrelationIDs) != 2 {
		t.Errorf("keys = %s %v", got.ReminderKey, got.CorrelationIDs)
	}
	if got.UserID != "u1" || got.Category != "documents" || got.PreferenceType != "missing_document" {
		t.Errorf("preference fields = %+v", got)
	}
	data, ok := got.Data.(email.MissingDocumentData)
	if !ok || data.ReminderNumber != 1 || data.LoadNumber != "1001" {
		t.Errorf("data = %#v", got.Data)
	}
}

func TestMissingDocumentJob_ReminderNumberFromCount(t *testing.T) {
	reminders := memory.NewReminderStore(nil)
	ctx := context.Background()
	_, _ = reminders.Reserve(ctx, "L1:BOL", 3)
	_, _ = reminders.Reserve(ctx, "L1:BOL", 3)

	n := &recordingNotifier{}
	job := NewMissingDocumentJob(staticTargets{targets: []types.ReminderTarget{bolTarget()}}, n, reminders, nil)
	if _, err := job.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if data := n.got[0].Data.(email.MissingDocumentData); data.ReminderNumber != 3 {
		t.Errorf("ReminderNumber = %d, want 3", data.ReminderNumber)
	}

	n = &recordingNotifier{}
	job = NewMissingDocumentJob(staticTargets{targets: []types.ReminderTarget{bolTarget()}}, n, failingCounter{}, nil)
	if _, err := job.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if data := n.got[0].Data.(email.MissingDocumentData); data.ReminderNumber != 1 {
		t.Errorf("fallback ReminderNumber = %d, want 1", data.ReminderNumber)
	}
}

func TestMissingDocumentJob_CountsOutcomes(t *testing.T) {
	second := bolTarget()
	second.DocumentType = "POD"
	third := bolTarget()
	third.DocumentType = "RATECON"

	n := &recordingNotifier{outcome: func(req core.Notification) types.Outcome {
		switch req.ReminderKey {
		case "L1:POD":
			return types.Outcome{Status: types.OutcomeSkipped, Reason: types.SkipDuplicate}
		case "L1:RATECON":
			return types.Outcome{Status: types.OutcomeFailed, Err: errors.New("queue unavailable")}
		}
		return types.Outcome{Status: types.OutcomeQueued}
	}}
	job := NewMissingDocumentJob(staticTargets{targets: []types.ReminderTarget{bolTarget(), second, third}}, n, nil, nil)

	res, err := job.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Data.EmailsSent != 1 || res.Data.EmailsFailed != 1 || len(res.Data.Failures) != 1 {
		t.Fatalf("data = %+v", res.Data)
	}
	f := res.Data.Failures[0]
	if f.Reference != "L1:RATECON" || f.Error != "queue unavailable" || f.Recipient != "d***@carrier.test" {
		t.Errorf("failure = %+v", f)
	}
}

func TestMissingDocumentJob_EnumeratorError(t *testing.T) {
	job := NewMissingDocumentJob(staticTargets{err: errors.New("timeout")}, &recordingNotifier{}, nil, nil)
	if _, err := job.Run(context.Background()); err == nil {
		t.Error("expected error")
	}
}

// The same missing BOL scanned twice within 24 hours is only
// queued once.
func TestMissingDocumentJob_SecondScanWithinWindowIsSuppressed(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	job := NewMissingDocumentJob(staticTargets{targets: []types.ReminderTarget{bolTarget()}}, p.notifier, p.reminders, nil)

	first, err := job.Run(ctx)
	if err != nil || first.Data.EmailsSent != 1 {
		t.Fatalf("first run = %+v (%v)", first.Data, err)
	}

	p.clock.Advance(6 * time.Hour)
	second, err := job.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Data.EmailsSent != 0 || second.Data.EmailsFailed != 0 {
		t.Errorf("second run = %+v", second.Data)
	}

	stats, _ := p.queue.Stats(ctx)
	if stats[types.MessagePending] != 1 {
		t.Errorf("pending = %d, want 1", stats[types.MessagePending])
	}
}

func TestMissingDocumentJob_ReminderCapAcrossDays(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	job := NewMissingDocumentJob(staticTargets{targets: []types.ReminderTarget{bolTarget()}}, p.notifier, p.reminders, nil)

	sent := 0
	for day := 0; day < 5; day++ {
		res, err := job.Run(ctx)
		if err != nil {
			t.Fatal(err)
		}
		sent += res.Data.EmailsSent
		p.clock.Advance(25 * time.Hour)
	}
	if sent != 3 {
		t.Errorf("sent %d reminders over 5 days, want 3", sent)
	}
}

func TestMissingDocumentJob_Spec(t *testing.T) {
	job := NewMissingDocumentJob(staticTargets{}, &recordingNotifier{}, nil, nil)
	spec := job.Spec("0 9 * * *", true)
	if spec.ID != MissingDocumentJobID || spec.MaxRetries != 3 || spec.RetryDelay != 15*time.Minute || spec.Handler == nil {
		t.Errorf("spec = %+v", spec)
	}

	f := newRegistryFixture(RegistryConfig{})
	if _, err := f.registry.Register(context.Background(), spec); err != nil {
		t.Fatalf("Register: %v", err)
	}
}
