package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"courier/internal/types"
)

// CronStore keeps cron jobs and their run history in memory.
type CronStore struct {
	mu   sync.Mutex
	jobs map[string]types.CronJob
	runs map[string]types.CronRun
}

func NewCronStore() *CronStore {
	return &CronStore{
		jobs: make(map[string]types.CronJob),
		runs: make(map[string]types.CronRun),
	}
}

func (s *CronStore) SaveJob(_ context.Context, job *types.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.jobs {
		if id != job.ID && existing.Name == job.Name {
			return types.NewAppError(types.ErrCodeConflictJobExists, "a job with this name already exists", nil)
		}
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *CronStore) GetJob(_ context.Context, id string) (*types.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (s *CronStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	for rid, run := range s.runs {
		if run.JobID == id {
			delete(s.runs, rid)
		}
	}
	return nil
}

func (s *CronStore) ReleaseStuckJobs(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, job := range s.jobs {
		if job.Status == types.JobRunning && job.LastRun != nil && job.LastRun.Before(before) {
			job.Status = types.JobFailed
			s.jobs[id] = job
			n++
		}
	}
	return n, nil
}

func (s *CronStore) InsertRun(_ context.Context, run *types.CronRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

func (s *CronStore) UpdateRun(_ context.Context, run *types.CronRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *run
	r.Failures = append([]types.JobFailure(nil), run.Failures...)
	s.runs[run.ID] = r
	return nil
}

func (s *CronStore) ListRuns(_ context.Context, jobID string, limit int) ([]types.CronRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedRuns(jobID, limit), nil
}

func (s *CronStore) TrimRuns(_ context.Context, jobID string, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.sortedRuns(jobID, 0)
	var n int64
	for i := keep; i < len(all); i++ {
		delete(s.runs, all[i].ID)
		n++
	}
	return n, nil
}

func (s *CronStore) DeleteRunsBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, run := range s.runs {
		if run.StartedAt.Before(before) && run.CompletedAt != nil {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

// sortedRuns returns runs newest first. limit <= 0 means all.
func (s *CronStore) sortedRuns(jobID string, limit int) []types.CronRun {
	var out []types.CronRun
	for _, run := range s.runs {
		if jobID == "" || run.JobID == jobID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LockStore is a process-local job lock.
type LockStore struct {
	mu    sync.Mutex
	clock types.Clock
	locks map[string]lockEntry
}

type lockEntry struct {
	worker  string
	expires time.Time
}

func NewLockStore(clock types.Clock) *LockStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &LockStore{clock: clock, locks: make(map[string]lockEntry)}
}

func (s *LockStore) Acquire(_ context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if l, ok := s.locks[lockID]; ok && !l.expires.Before(now) {
		return false, nil
	}
	s.locks[lockID] = lockEntry{worker: workerID, expires: now.Add(ttl)}
	return true, nil
}

func (s *LockStore) Release(_ context.Context, lockID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[lockID]; ok && l.worker == workerID {
		delete(s.locks, lockID)
	}
	return nil
}
