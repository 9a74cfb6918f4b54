package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/types"
)

type retryEntry struct {
	rec          types.RetryRecord
	claimedUntil time.Time
}

// RetryStore holds RetryRecords keyed by ID.
type RetryStore struct {
	mu      sync.Mutex
	records map[string]*retryEntry
}

func NewRetryStore() *RetryStore {
	return &RetryStore{records: make(map[string]*retryEntry)}
}

func (s *RetryStore) Create(_ context.Context, rec *types.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.records {
		if e.rec.OriginalMessageID == rec.OriginalMessageID {
			return types.NewAppError(types.ErrCodeConflictRetryExists, "retry record already exists for message", nil)
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	stored := *rec
	stored.Recipient = strings.ToLower(stored.Recipient)
	s.records[rec.ID] = &retryEntry{rec: stored}
	return nil
}

func (s *RetryStore) ClaimDue(_ context.Context, now time.Time, maxAttempts, limit int, lease time.Duration) ([]types.RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*retryEntry
	for _, e := range s.records {
		if !e.rec.NextAttempt.After(now) && e.rec.Attempts < maxAttempts && !e.claimedUntil.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].rec.NextAttempt.Before(due[j].rec.NextAttempt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]types.RetryRecord, 0, len(due))
	for _, e := range due {
		e.claimedUntil = now.Add(lease)
		out = append(out, e.rec)
	}
	return out, nil
}

func (s *RetryStore) Reschedule(_ context.Context, rec *types.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[rec.ID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundRecord, "retry record not found", nil)
	}
	e.rec.Attempts = rec.Attempts
	e.rec.LastAttempt = rec.LastAttempt
	e.rec.NextAttempt = rec.NextAttempt
	e.rec.LastError = rec.LastError
	e.claimedUntil = time.Time{}
	return nil
}

func (s *RetryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *RetryStore) DeleteByRecipient(_ context.Context, recipient string) ([]types.RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recipient = strings.ToLower(recipient)
	var out []types.RetryRecord
	for id, e := range s.records {
		if e.rec.Recipient == recipient {
			out = append(out, e.rec)
			delete(s.records, id)
		}
	}
	return out, nil
}

func (s *RetryStore) GetByMessage(_ context.Context, messageID string) (*types.RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.records {
		if e.rec.OriginalMessageID == messageID {
			rec := e.rec
			return &rec, nil
		}
	}
	return nil, nil
}

// Len reports how many records are pending.
func (s *RetryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
