package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/types"
)

// ============================================================
// RetryStore
// ============================================================

func TestRetryStore_ClaimDueLeases(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s := NewRetryStore()

	require.NoError(t, s.Create(ctx, &types.RetryRecord{OriginalMessageID: "m1", Recipient: "A@Example.com", NextAttempt: now}))
	require.NoError(t, s.Create(ctx, &types.RetryRecord{OriginalMessageID: "m2", Recipient: "b@example.com", NextAttempt: now.Add(time.Hour)}))

	due, err := s.ClaimDue(ctx, now, 3, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "m1", due[0].OriginalMessageID)
	assert.Equal(t, "a@example.com", due[0].Recipient)

	again, _ := s.ClaimDue(ctx, now, 3, 10, time.Minute)
	assert.Empty(t, again, "leased record must not be claimed twice")

	rec := due[0]
	rec.Attempts = 1
	rec.NextAttempt = now
	require.NoError(t, s.Reschedule(ctx, &rec))
	again, _ = s.ClaimDue(ctx, now, 3, 10, time.Minute)
	assert.Len(t, again, 1)
}

func TestRetryStore_DuplicateMessage(t *testing.T) {
	ctx := context.Background()
	s := NewRetryStore()
	require.NoError(t, s.Create(ctx, &types.RetryRecord{OriginalMessageID: "m1"}))
	err := s.Create(ctx, &types.RetryRecord{OriginalMessageID: "m1"})
	assert.True(t, types.IsCode(err, types.ErrCodeConflictRetryExists))
}

func TestRetryStore_DeleteByRecipient(t *testing.T) {
	ctx := context.Background()
	s := NewRetryStore()
	require.NoError(t, s.Create(ctx, &types.RetryRecord{OriginalMessageID: "m1", Recipient: "x@example.com"}))
	require.NoError(t, s.Create(ctx, &types.RetryRecord{OriginalMessageID: "m2", Recipient: "y@example.com"}))

	purged, err := s.DeleteByRecipient(ctx, "X@example.com")
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, "m1", purged[0].OriginalMessageID)
	assert.Equal(t, 1, s.Len())

	rec, _ := s.GetByMessage(ctx, "m1")
	assert.Nil(t, rec)
}

func TestRetryStore_RescheduleMissing(t *testing.T) {
	err := NewRetryStore().Reschedule(context.Background(), &types.RetryRecord{ID: "nope"})
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundRecord))
}

// ============================================================
// Gates
// ============================================================

func TestBounceStore_CaseInsensitive(t *testing.T) {
	ctx := context.Background()
	s := NewBounceStore()
	require.NoError(t, s.Add(ctx, types.BouncedAddress{Email: " User@Example.COM ", Reason: "Permanent"}))

	bounced, err := s.IsBounced(ctx, "user@example.com")
	require.NoError(t, err)
	assert.True(t, bounced)

	list, _ := s.List(ctx, 10)
	require.Len(t, list, 1)
	assert.Equal(t, "user@example.com", list[0].Email)
}

func TestDedupStore_ConcurrentMarkHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewDedupStore(newStepClock())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.Mark(ctx, "k", time.Hour); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestDedupStore_WindowExpiryAndPurge(t *testing.T) {
	ctx := context.Background()
	clock := newStepClock()
	s := NewDedupStore(clock)

	ok, _ := s.Mark(ctx, "k", time.Hour)
	assert.True(t, ok)
	ok, _ = s.Mark(ctx, "k", time.Hour)
	assert.False(t, ok)

	clock.Advance(time.Hour)
	ok, _ = s.Mark(ctx, "k", time.Hour)
	assert.True(t, ok, "expired mark is replaced")

	require.NoError(t, s.Release(ctx, "k"))
	ok, _ = s.Mark(ctx, "k", time.Minute)
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	n, err := s.PurgeExpired(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReminderStore_Cap(t *testing.T) {
	ctx := context.Background()
	s := NewReminderStore(newStepClock())

	for i := 0; i < 3; i++ {
		ok, err := s.Reserve(ctx, "load-1:pod", 3)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := s.Reserve(ctx, "load-1:pod", 3)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "load-1:pod"))
	rc, _ := s.Get(ctx, "load-1:pod")
	require.NotNil(t, rc)
	assert.Equal(t, 2, rc.Count)
}

func TestPreferenceStore_Get(t *testing.T) {
	s := NewPreferenceStore(types.NotificationPreference{
		UserID: "u1", Category: "documents", Type: "missing_document", Enabled: false,
	})

	p, err := s.Get(context.Background(), "u1", "documents", "missing_document")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.Allows())

	p, _ = s.Get(context.Background(), "u2", "documents", "missing_document")
	assert.Nil(t, p)
}

// ============================================================
// CronStore / LockStore
// ============================================================

func TestCronStore_RunsNewestFirstAndTrim(t *testing.T) {
	ctx := context.Background()
	s := NewCronStore()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveJob(ctx, &types.CronJob{ID: "j1", Name: "missing-docs"}))

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertRun(ctx, &types.CronRun{
			ID: string(rune('a' + i)), JobID: "j1", StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	runs, _ := s.ListRuns(ctx, "j1", 2)
	require.Len(t, runs, 2)
	assert.Equal(t, "e", runs[0].ID)

	n, err := s.TrimRuns(ctx, "j1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	runs, _ = s.ListRuns(ctx, "", 0)
	assert.Len(t, runs, 3)
}

func TestCronStore_NameConflict(t *testing.T) {
	ctx := context.Background()
	s := NewCronStore()
	require.NoError(t, s.SaveJob(ctx, &types.CronJob{ID: "j1", Name: "dup"}))
	err := s.SaveJob(ctx, &types.CronJob{ID: "j2", Name: "dup"})
	assert.True(t, types.IsCode(err, types.ErrCodeConflictJobExists))
}

func TestLockStore_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	clock := newStepClock()
	s := NewLockStore(clock)

	ok, _ := s.Acquire(ctx, "job", "w1", time.Minute)
	assert.True(t, ok)
	ok, _ = s.Acquire(ctx, "job", "w2", time.Minute)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "job", "w2"))
	ok, _ = s.Acquire(ctx, "job", "w2", time.Minute)
	assert.False(t, ok, "release by non-holder is a no-op")

	clock.Advance(2 * time.Minute)
	ok, _ = s.Acquire(ctx, "job", "w2", time.Minute)
	assert.True(t, ok)
}

// ============================================================
// TargetStore
// ============================================================

func TestTargetStore_SetReturnsCopies(t *testing.T) {
	s := NewTargetStore(types.ReminderTarget{LoadID: "4411", DocumentType: "POD"})

	got, err := s.Targets(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	got[0].LoadID = "mutated"
	again, _ := s.Targets(context.Background())
	assert.Equal(t, "4411", again[0].LoadID)

	s.Set(nil)
	empty, err := s.Targets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, empty)
}
