package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"courier/internal/types"
)

// BounceStore is an in-memory suppression list.
type BounceStore struct {
	mu      sync.RWMutex
	bounces map[string]types.BouncedAddress
}

func NewBounceStore() *BounceStore {
	return &BounceStore{bounces: make(map[string]types.BouncedAddress)}
}

func (s *BounceStore) Add(_ context.Context, b types.BouncedAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b.Email = strings.ToLower(strings.TrimSpace(b.Email))
	if _, ok := s.bounces[b.Email]; !ok {
		s.bounces[b.Email] = b
	}
	return nil
}

func (s *BounceStore) IsBounced(_ context.Context, email string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bounces[strings.ToLower(strings.TrimSpace(email))]
	return ok, nil
}

func (s *BounceStore) List(_ context.Context, limit int) ([]types.BouncedAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.BouncedAddress, 0, len(s.bounces))
	for _, b := range s.bounces {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DedupStore keeps dedup marks with their expiry.
type DedupStore struct {
	mu    sync.Mutex
	clock types.Clock
	keys  map[string]time.Time
}

func NewDedupStore(clock types.Clock) *DedupStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &DedupStore{clock: clock, keys: make(map[string]time.Time)}
}

// Mark places key for window unless an unexpired mark exists.
func (s *DedupStore) Mark(_ context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if exp, ok := s.keys[key]; ok && exp.After(now) {
		return false, nil
	}
	s.keys[key] = now.Add(window)
	return true, nil
}

func (s *DedupStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

func (s *DedupStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, exp := range s.keys {
		if !exp.After(now) {
			delete(s.keys, k)
			n++
		}
	}
	return n, nil
}

// ReminderStore caps reminders per correlation key.
type ReminderStore struct {
	mu     sync.Mutex
	clock  types.Clock
	counts map[string]*types.ReminderCount
}

func NewReminderStore(clock types.Clock) *ReminderStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ReminderStore{clock: clock, counts: make(map[string]*types.ReminderCount)}
}

func (s *ReminderStore) Reserve(_ context.Context, key string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.counts[key]
	if !ok {
		rc = &types.ReminderCount{Key: key}
		s.counts[key] = rc
	}
	if rc.Count >= limit {
		return false, nil
	}
	rc.Count++
	rc.LastSentAt = s.clock.Now()
	return true, nil
}

func (s *ReminderStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rc, ok := s.counts[key]; ok && rc.Count > 0 {
		rc.Count--
	}
	return nil
}

func (s *ReminderStore) Get(_ context.Context, key string) (*types.ReminderCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.counts[key]
	if !ok {
		return nil, nil
	}
	c := *rc
	return &c, nil
}

// PreferenceStore is a fixed set of preferences, seeded by tests and local
// runs.
type PreferenceStore struct {
	mu    sync.RWMutex
	prefs map[string]types.NotificationPreference
}

func NewPreferenceStore(prefs ...types.NotificationPreference) *PreferenceStore {
	s := &PreferenceStore{prefs: make(map[string]types.NotificationPreference)}
	for _, p := range prefs {
		s.Put(p)
	}
	return s
}

func preferenceKey(userID, category, typ string) string {
	return userID + "\x00" + category + "\x00" + typ
}

func (s *PreferenceStore) Put(p types.NotificationPreference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[preferenceKey(p.UserID, p.Category, p.Type)] = p
}

func (s *PreferenceStore) Get(_ context.Context, userID, category, typ string) (*types.NotificationPreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[preferenceKey(userID, category, typ)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
