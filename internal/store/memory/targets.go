package memory

import (
	"context"
	"sync"

	"courier/internal/types"
)

// TargetStore is a settable reminder target list for local runs and tests.
type TargetStore struct {
	mu      sync.RWMutex
	targets []types.ReminderTarget
}

func NewTargetStore(targets ...types.ReminderTarget) *TargetStore {
	s := &TargetStore{}
	s.Set(targets)
	return s
}

// Set replaces the current targets.
func (s *TargetStore) Set(targets []types.ReminderTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append([]types.ReminderTarget(nil), targets...)
}

func (s *TargetStore) Targets(_ context.Context) ([]types.ReminderTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ReminderTarget(nil), s.targets...), nil
}

var _ types.TargetEnumerator = (*TargetStore)(nil)
