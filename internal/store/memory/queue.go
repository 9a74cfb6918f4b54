// Package memory provides mutex-guarded, process-local implementations of
// every store the engine uses. They back tests and APP_ENV=local runs; a
// multi-process deployment uses internal/db.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/types"
)

// QueueStore is an in-memory notification queue. A single mutex serializes
// claims, so concurrent Dequeue calls never return the same row while its
// claim is live.
type QueueStore struct {
	mu    sync.Mutex
	clock types.Clock
	msgs  map[string]*types.QueueMessage
	order []string
}

func NewQueueStore(clock types.Clock) *QueueStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &QueueStore{clock: clock, msgs: make(map[string]*types.QueueMessage)}
}

func (s *QueueStore) Enqueue(_ context.Context, msg *types.QueueMessage) (*types.QueueMessage, error) {
	if msg.MaxAttempts < 1 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidMessage, "max_attempts must be at least 1", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	stored := cloneMessage(msg)
	stored.ID = uuid.NewString()
	stored.Status = types.MessagePending
	stored.Attempts = 0
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.ProcessedAt = nil
	stored.NextAttemptAt = nil
	stored.ClaimExpiresAt = nil
	stored.LastError = nil

	s.msgs[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return cloneMessage(stored), nil
}

func (s *QueueStore) Dequeue(_ context.Context, maxAttempts int, visibility time.Duration) (*types.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, id := range s.order {
		m := s.msgs[id]
		if m == nil || !claimable(m, now, maxAttempts) {
			continue
		}
		expires := now.Add(visibility)
		m.Status = types.MessageProcessing
		m.ClaimExpiresAt = &expires
		m.UpdatedAt = now
		return cloneMessage(m), nil
	}
	return nil, nil
}

func claimable(m *types.QueueMessage, now time.Time, maxAttempts int) bool {
	if m.Attempts >= min(m.MaxAttempts, maxAttempts) {
		return false
	}
	switch m.Status {
	case types.MessagePending:
		return true
	case types.MessageRetrying:
		return m.NextAttemptAt != nil && !m.NextAttemptAt.After(now)
	case types.MessageProcessing:
		return m.ClaimExpiresAt != nil && !m.ClaimExpiresAt.After(now)
	}
	return false
}

func (s *QueueStore) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.live(id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	m.Status = types.MessageCompleted
	m.ProcessedAt = &now
	m.UpdatedAt = now
	m.ClaimExpiresAt = nil
	m.NextAttemptAt = nil
	return nil
}

func (s *QueueStore) Fail(_ context.Context, id string, cause error) error {
	return s.fail(id, cause, true)
}

func (s *QueueStore) Discard(_ context.Context, id string, cause error) error {
	return s.fail(id, cause, false)
}

func (s *QueueStore) fail(id string, cause error, sent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.live(id)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if sent && m.Attempts < m.MaxAttempts {
		m.Attempts++
	}
	m.Status = types.MessageFailed
	m.ProcessedAt = &now
	m.UpdatedAt = now
	m.ClaimExpiresAt = nil
	m.NextAttemptAt = nil
	m.LastError = types.NewMessageError(cause, now)
	return nil
}

func (s *QueueStore) Retry(_ context.Context, id string, cause error, nextAttempt *time.Time) (types.MessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.live(id)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	m.Attempts++
	m.UpdatedAt = now
	m.ClaimExpiresAt = nil
	m.LastError = types.NewMessageError(cause, now)
	if m.Attempts >= m.MaxAttempts {
		m.Status = types.MessageFailed
		m.ProcessedAt = &now
		m.NextAttemptAt = nil
		return m.Status, nil
	}
	m.Status = types.MessageRetrying
	if nextAttempt != nil {
		next := *nextAttempt
		m.NextAttemptAt = &next
	} else {
		m.NextAttemptAt = nil
	}
	return m.Status, nil
}

func (s *QueueStore) Get(_ context.Context, id string) (*types.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)
	}
	return cloneMessage(m), nil
}

func (s *QueueStore) Stats(_ context.Context) (types.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(types.QueueStats, len(types.AllMessageStatuses))
	for _, st := range types.AllMessageStatuses {
		stats[st] = 0
	}
	for _, m := range s.msgs {
		stats[m.Status]++
	}
	return stats, nil
}

func (s *QueueStore) ListTerminalBefore(_ context.Context, before time.Time, limit int) ([]types.QueueMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.QueueMessage
	for _, m := range s.msgs {
		if m.Status.Terminal() && m.UpdatedAt.Before(before) {
			out = append(out, *cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *QueueStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range ids {
		if m, ok := s.msgs[id]; ok && m.Status.Terminal() {
			delete(s.msgs, id)
			n++
		}
	}
	if n > 0 {
		kept := s.order[:0]
		for _, id := range s.order {
			if _, ok := s.msgs[id]; ok {
				kept = append(kept, id)
			}
		}
		s.order = kept
	}
	return n, nil
}

// live returns the row for a transition, rejecting unknown and terminal rows.
func (s *QueueStore) live(id string) (*types.QueueMessage, error) {
	m, ok := s.msgs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)
	}
	if m.Status.Terminal() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictMessageTerminal,
			"message is already terminal", nil, map[string]any{"id": id, "status": string(m.Status)})
	}
	return m, nil
}

func cloneMessage(m *types.QueueMessage) *types.QueueMessage {
	c := *m
	c.Payload.CC = append([]string(nil), m.Payload.CC...)
	c.Payload.BCC = append([]string(nil), m.Payload.BCC...)
	c.Payload.Attachments = append([]types.Attachment(nil), m.Payload.Attachments...)
	if m.Payload.Metadata != nil {
		c.Payload.Metadata = make(map[string]string, len(m.Payload.Metadata))
		for k, v := range m.Payload.Metadata {
			c.Payload.Metadata[k] = v
		}
	}
	if m.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), m.Metadata...)
	}
	c.ProcessedAt = copyTime(m.ProcessedAt)
	c.NextAttemptAt = copyTime(m.NextAttemptAt)
	c.ClaimExpiresAt = copyTime(m.ClaimExpiresAt)
	if m.LastError != nil {
		e := *m.LastError
		c.LastError = &e
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
