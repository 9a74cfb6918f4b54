package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"courier/internal/notifications/email"
	"courier/internal/store/memory"
	"courier/internal/types"
)

func TestNotifier_QueuesRenderedMessage(t *testing.T) {
	h := newHarness(t)

	out := h.notifier.Notify(context.Background(), missingDocNotification("driver@example.com", "4411", "POD"))
	if out.Status != types.OutcomeQueued || out.MessageID == "" {
		t.Fatalf("outcome = %+v, want queued", out)
	}

	msg := h.get(t, out.MessageID)
	if msg.Payload.Subject != "Action needed: POD missing for load 4411" {
		t.Errorf("subject = %q", msg.Payload.Subject)
	}
	if msg.Payload.TemplateName != email.TemplateMissingDocument {
		t.Errorf("template = %q", msg.Payload.TemplateName)
	}
	if msg.Type != types.MessageTypeReminder || msg.MaxAttempts != 4 {
		t.Errorf("type=%s max=%d, want reminder/4", msg.Type, msg.MaxAttempts)
	}
}

func TestNotifier_RecordsJobRunInMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := types.WithJobRunID(context.Background(), "run-42")

	out := h.notifier.Notify(ctx, missingDocNotification("driver@example.com", "4411", "POD"))
	if out.Status != types.OutcomeQueued {
		t.Fatalf("outcome = %+v", out)
	}

	var meta map[string]any
	if err := json.Unmarshal(h.get(t, out.MessageID).Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta["job_run_id"] != "run-42" || meta["reminder_key"] != "4411:POD" {
		t.Errorf("metadata = %v", meta)
	}
}

func TestNotifier_TemplateErrorFailsBeforeEnqueue(t *testing.T) {
	h := newHarness(t)
	req := missingDocNotification("driver@example.com", "4411", "POD")
	req.Data = email.MissingDocumentData{LoadNumber: "4411"}

	out := h.notifier.Notify(context.Background(), req)
	if out.Status != types.OutcomeFailed {
		t.Fatalf("outcome = %+v, want failed", out)
	}
	if types.KindOf(out.Err) != types.KindTemplateValidation {
		t.Errorf("kind = %s, want TEMPLATE_VALIDATION_ERROR", types.KindOf(out.Err))
	}

	stats, _ := h.queue.Stats(context.Background())
	if stats[types.MessagePending] != 0 {
		t.Error("nothing may be queued on a template error")
	}
	// The dedup key was never taken, so a corrected retry goes through.
	out = h.notifier.Notify(context.Background(), missingDocNotification("driver@example.com", "4411", "POD"))
	if out.Status != types.OutcomeQueued {
		t.Errorf("corrected retry = %+v, want queued", out)
	}
}

func TestNotifier_UnknownTemplate(t *testing.T) {
	h := newHarness(t)
	req := missingDocNotification("driver@example.com", "1", "POD")
	req.Template = "weekly_digest"

	out := h.notifier.Notify(context.Background(), req)
	if types.KindOf(out.Err) != types.KindTemplateNotFound {
		t.Errorf("outcome = %+v, want TEMPLATE_NOT_FOUND", out)
	}
}

func TestNotifier_Skips(t *testing.T) {
	ctx := context.Background()

	t.Run("bounced", func(t *testing.T) {
		h := newHarness(t)
		_ = h.bounces.Add(ctx, types.BouncedAddress{Email: "driver@example.com"})
		out := h.notifier.Notify(ctx, missingDocNotification("Driver@Example.com", "1", "POD"))
		if out.Status != types.OutcomeSkipped || out.Reason != types.SkipBounced {
			t.Errorf("outcome = %+v, want skipped/bounced", out)
		}
	})

	t.Run("preference disabled", func(t *testing.T) {
		h := newHarness(t)
		h.prefs.Put(types.NotificationPreference{UserID: "u1", Category: "documents", Type: "missing", Enabled: false})
		req := missingDocNotification("driver@example.com", "1", "POD")
		req.UserID, req.Category, req.PreferenceType = "u1", "documents", "missing"
		out := h.notifier.Notify(ctx, req)
		if out.Reason != types.SkipPreference {
			t.Errorf("outcome = %+v, want preference skip", out)
		}
	})

	t.Run("frequency never", func(t *testing.T) {
		h := newHarness(t)
		h.prefs.Put(types.NotificationPreference{UserID: "u1", Category: "documents", Type: "missing", Enabled: true, Frequency: types.FrequencyNever})
		req := missingDocNotification("driver@example.com", "1", "POD")
		req.UserID, req.Category, req.PreferenceType = "u1", "documents", "missing"
		if out := h.notifier.Notify(ctx, req); out.Reason != types.SkipPreference {
			t.Errorf("outcome = %+v, want preference skip", out)
		}
	})

	t.Run("no preference recorded", func(t *testing.T) {
		h := newHarness(t)
		req := missingDocNotification("driver@example.com", "1", "POD")
		req.UserID, req.Category, req.PreferenceType = "u2", "documents", "missing"
		if out := h.notifier.Notify(ctx, req); out.Status != types.OutcomeQueued {
			t.Errorf("outcome = %+v, want queued", out)
		}
	})

	t.Run("empty recipient", func(t *testing.T) {
		h := newHarness(t)
		out := h.notifier.Notify(ctx, missingDocNotification(" ", "1", "POD"))
		if out.Status != types.OutcomeFailed {
			t.Errorf("outcome = %+v, want failed", out)
		}
	})
}

// When the scan runs twice within the window, the second run queues
// nothing for the same (load, document).
func TestNotifier_DuplicateWithinWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.notifier.Notify(ctx, missingDocNotification("driver@example.com", "L1", "BOL"))
	h.clock.Advance(6 * time.Hour)
	second := h.notifier.Notify(ctx, missingDocNotification("DRIVER@example.com", "L1", "BOL"))

	if first.Status != types.OutcomeQueued {
		t.Fatalf("first = %+v, want queued", first)
	}
	if second.Status != types.OutcomeSkipped || second.Reason != types.SkipDuplicate {
		t.Errorf("second = %+v, want duplicate skip", second)
	}

	if _, err := h.dispatcher.Drain(ctx, 0); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if n := h.provider.callCount(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}

	h.clock.Advance(DefaultDedupWindow)
	third := h.notifier.Notify(ctx, missingDocNotification("driver@example.com", "L1", "BOL"))
	if third.Status != types.OutcomeQueued {
		t.Errorf("after window = %+v, want queued", third)
	}
}

func TestNotifier_ConcurrentProducersSendOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]types.Outcome, 16)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = h.notifier.Notify(ctx, missingDocNotification("driver@example.com", "L9", "POD"))
		}(i)
	}
	wg.Wait()

	queued := 0
	for _, o := range outcomes {
		if o.Status == types.OutcomeQueued {
			queued++
		}
	}
	if queued != 1 {
		t.Errorf("queued = %d, want exactly 1", queued)
	}
	if _, err := h.dispatcher.Drain(ctx, 0); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if n := h.provider.callCount(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestNotifier_ReminderCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out := h.notifier.Notify(ctx, missingDocNotification("driver@example.com", "L2", "POD"))
		if out.Status != types.OutcomeQueued {
			t.Fatalf("reminder %d = %+v, want queued", i+1, out)
		}
		h.clock.Advance(DefaultDedupWindow)
	}

	out := h.notifier.Notify(ctx, missingDocNotification("driver@example.com", "L2", "POD"))
	if out.Reason != types.SkipReminderCap {
		t.Errorf("fourth reminder = %+v, want cap skip", out)
	}
	// A capped attempt does not consume a reminder.
	rc, _ := h.reminders.Get(ctx, "L2:POD")
	if rc == nil || rc.Count != 3 {
		t.Errorf("reminder count = %+v, want 3", rc)
	}
}

type failingQueue struct {
	*memory.QueueStore
}

func (failingQueue) Enqueue(context.Context, *types.QueueMessage) (*types.QueueMessage, error) {
	return nil, errors.New("connection reset")
}

func TestNotifier_EnqueueFailureReleasesReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	renderer, _ := email.NewRenderer(email.RendererConfig{})
	broken := NewNotifier(NotifierDeps{
		Queue:       failingQueue{h.queue},
		Renderer:    renderer,
		Bounces:     h.bounces,
		Preferences: NewPreferenceGate(h.prefs),
		Dedup:       NewDedupGate(h.dedup, DefaultDedupWindow, nil),
		Reminders:   h.reminders,
	}, NotifierConfig{})

	out := broken.Notify(ctx, missingDocNotification("driver@example.com", "L3", "POD"))
	if out.Status != types.OutcomeFailed {
		t.Fatalf("outcome = %+v, want failed", out)
	}

	if rc, _ := h.reminders.Get(ctx, "L3:POD"); rc != nil && rc.Count != 0 {
		t.Errorf("reminder count = %d, want released", rc.Count)
	}
	if out := h.notifier.Notify(ctx, missingDocNotification("driver@example.com", "L3", "POD")); out.Status != types.OutcomeQueued {
		t.Errorf("retry after failure = %+v, want queued", out)
	}
}

type recordingWaker struct{ reasons []string }

func (w *recordingWaker) Wake(_ context.Context, reason string) error {
	w.reasons = append(w.reasons, reason)
	return nil
}

func TestNotifier_WakesDispatcher(t *testing.T) {
	h := newHarness(t)
	w := &recordingWaker{}
	h.notifier.waker = w

	h.notifier.Notify(context.Background(), missingDocNotification("driver@example.com", "L4", "POD"))
	if len(w.reasons) != 1 || w.reasons[0] != email.TemplateMissingDocument {
		t.Errorf("wake reasons = %v", w.reasons)
	}
}
