package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"courier/internal/scheduler"
	"courier/internal/store/memory"
	"courier/internal/types"
)

// =============================================================================
// Mocks
// =============================================================================

type mockMaint struct {
	handled   []scheduler.MaintenancePayload
	swept     int
	affected  int64
	returnErr error
}

func (m *mockMaint) Handle(_ context.Context, p scheduler.MaintenancePayload) (scheduler.TaskResult, error) {
	m.handled = append(m.handled, p)
	return scheduler.TaskResult{Task: p.Task, Affected: m.affected}, m.returnErr
}

func (m *mockMaint) Sweep(context.Context) ([]scheduler.TaskResult, error) {
	m.swept++
	return []scheduler.TaskResult{
		{Task: scheduler.TaskArchiveQueue, Affected: 2},
		{Task: scheduler.TaskTrimRuns, Affected: 5},
	}, m.returnErr
}

type mockFlusher struct{ calls int }

func (m *mockFlusher) Flush(context.Context) error {
	m.calls++
	return nil
}

type failingLock struct{}

func (failingLock) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("lock table unavailable")
}
func (failingLock) Release(context.Context, string, string) error { return nil }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var refTime = time.Date(2026, 3, 2, 3, 17, 0, 0, time.UTC)

func newHandler(maint *mockMaint, locks scheduler.JobLocker, events *mockFlusher) *Handler {
	return &Handler{
		Maint:    maint,
		JobLock:  locks,
		Events:   events,
		Clock:    fixedClock{t: refTime},
		LockTTL:  time.Minute,
		WorkerID: "worker-a",
		Logger:   types.NopLogger{},
	}
}

// =============================================================================
// Routing
// =============================================================================

func TestHandle_RoutesTaskToMaintenance(t *testing.T) {
	maint := &mockMaint{affected: 7}
	events := &mockFlusher{}
	h := newHandler(maint, memory.NewLockStore(fixedClock{t: refTime}), events)

	out, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskArchiveQueue})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(maint.handled) != 1 || maint.handled[0].Task != scheduler.TaskArchiveQueue {
		t.Fatalf("expected archive_queue to be handled, got %+v", maint.handled)
	}
	if !strings.Contains(out, "7 items processed") {
		t.Errorf("unexpected result %q", out)
	}
	if events.calls != 1 {
		t.Errorf("expected events flushed once, got %d", events.calls)
	}
}

func TestHandle_FlushTaskDoesNotFlushTwice(t *testing.T) {
	maint := &mockMaint{}
	events := &mockFlusher{}
	h := newHandler(maint, memory.NewLockStore(fixedClock{t: refTime}), events)

	if _, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskFlushEvents}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if events.calls != 0 {
		t.Errorf("flush_events is flushed by maintenance itself, handler flushed %d times", events.calls)
	}
}

func TestHandle_SweepSumsAffected(t *testing.T) {
	maint := &mockMaint{}
	h := newHandler(maint, memory.NewLockStore(fixedClock{t: refTime}), &mockFlusher{})

	out, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: taskSweep})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if maint.swept != 1 {
		t.Errorf("expected one sweep, got %d", maint.swept)
	}
	if !strings.Contains(out, "7 items processed") {
		t.Errorf("unexpected result %q", out)
	}
}

func TestHandle_EmptyTask(t *testing.T) {
	h := newHandler(&mockMaint{}, memory.NewLockStore(fixedClock{t: refTime}), &mockFlusher{})

	_, err := h.Handle(context.Background(), scheduler.MaintenancePayload{})
	if !types.IsCode(err, types.ErrCodeValidationMissingField) {
		t.Fatalf("expected missing field error, got %v", err)
	}
}

func TestHandle_TaskErrorIsWrapped(t *testing.T) {
	maint := &mockMaint{returnErr: errors.New("archive write failed")}
	h := newHandler(maint, memory.NewLockStore(fixedClock{t: refTime}), &mockFlusher{})

	_, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskArchiveQueue})
	if err == nil || !strings.Contains(err.Error(), "archive write failed") {
		t.Fatalf("expected wrapped task error, got %v", err)
	}
}

// =============================================================================
// Locking
// =============================================================================

func TestHandle_LockHeldSkips(t *testing.T) {
	locks := memory.NewLockStore(fixedClock{t: refTime})
	held, err := locks.Acquire(context.Background(), "trim_runs:2026-03-02T03", "worker-b", time.Hour)
	if err != nil || !held {
		t.Fatalf("setup: acquire failed: %v", err)
	}

	maint := &mockMaint{}
	h := newHandler(maint, locks, &mockFlusher{})

	out, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskTrimRuns})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out, "skipped") {
		t.Errorf("expected skip, got %q", out)
	}
	if len(maint.handled) != 0 {
		t.Error("task must not run while another worker holds the lock")
	}
}

func TestHandle_ReleasesLockAfterRun(t *testing.T) {
	locks := memory.NewLockStore(fixedClock{t: refTime})
	h := newHandler(&mockMaint{}, locks, &mockFlusher{})

	if _, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskTrimRuns}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ok, err := locks.Acquire(context.Background(), "trim_runs:2026-03-02T03", "worker-b", time.Minute)
	if err != nil || !ok {
		t.Errorf("lock should be free after the run, ok=%v err=%v", ok, err)
	}
}

func TestHandle_SequentialRunsInSameHourBothExecute(t *testing.T) {
	maint := &mockMaint{}
	h := newHandler(maint, memory.NewLockStore(fixedClock{t: refTime}), &mockFlusher{})
	payload := scheduler.MaintenancePayload{Task: scheduler.TaskProcessRetries}

	for i := 0; i < 2; i++ {
		msg, err := h.Handle(context.Background(), payload)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if strings.HasPrefix(msg, "skipped") {
			t.Errorf("run %d skipped: %s", i, msg)
		}
	}
	if len(maint.handled) != 2 {
		t.Errorf("handled %d runs, want 2", len(maint.handled))
	}
}

func TestHandle_ReferenceTimeSelectsLockHour(t *testing.T) {
	locks := memory.NewLockStore(fixedClock{t: refTime})
	if _, err := locks.Acquire(context.Background(), "trim_runs:2026-03-02T03", "worker-b", time.Hour); err != nil {
		t.Fatalf("setup: %v", err)
	}
	maint := &mockMaint{}
	h := newHandler(maint, locks, &mockFlusher{})

	backfill := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	out, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskTrimRuns, ReferenceTime: &backfill})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.HasPrefix(out, "skipped") {
		t.Error("a backfill for another hour must not collide with the current hour's lock")
	}
	if len(maint.handled) != 1 || maint.handled[0].ReferenceTime == nil {
		t.Error("reference time should be passed through to maintenance")
	}
}

func TestHandle_LockErrorFails(t *testing.T) {
	maint := &mockMaint{}
	h := newHandler(maint, failingLock{}, &mockFlusher{})

	_, err := h.Handle(context.Background(), scheduler.MaintenancePayload{Task: scheduler.TaskTrimRuns})
	if err == nil {
		t.Fatal("expected error when the lock store fails")
	}
	if len(maint.handled) != 0 {
		t.Error("task must not run without a lock")
	}
}
