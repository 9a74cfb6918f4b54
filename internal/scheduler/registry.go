package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"courier/internal/notifications/core"
	"courier/internal/types"
)

// JobHandler produces one run's structured result. A returned error or a
// result with Success false fails the run.
type JobHandler func(ctx context.Context) (types.JobResult, error)

// NoJobRetry in JobSpec.MaxRetries registers a job without job-level retry.
const NoJobRetry = -1

// JobSpec describes a job to register.
type JobSpec struct {
	// ID is optional; a stable ID lets persisted state survive restarts.
	ID       string
	Name     string
	Schedule string
	Enabled  bool
	// MaxRetries caps job-level retries after a failed run. Zero takes the
	// default; NoJobRetry disables retrying.
	MaxRetries int
	RetryDelay time.Duration
	Handler    JobHandler
}

// JobStore persists jobs and their run history. Implemented by
// db.CronRepository and memory.CronStore.
type JobStore interface {
	SaveJob(ctx context.Context, job *types.CronJob) error
	GetJob(ctx context.Context, id string) (*types.CronJob, error)
	DeleteJob(ctx context.Context, id string) error
	InsertRun(ctx context.Context, run *types.CronRun) error
	UpdateRun(ctx context.Context, run *types.CronRun) error
	ListRuns(ctx context.Context, jobID string, limit int) ([]types.CronRun, error)
	TrimRuns(ctx context.Context, jobID string, keep int) (int64, error)
}

// JobLocker is a distributed lock keyed by job. Implemented by
// db.JobLockRepository and memory.LockStore.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

// RunChecker raises alerts for noisy runs. Implemented by monitor.Monitor.
type RunChecker interface {
	CheckJobRun(ctx context.Context, jobName string, run types.CronRun) bool
}

// RegistryConfig tunes history and locking.
type RegistryConfig struct {
	HistoryLimit int
	LockTTL      time.Duration
	WorkerID     string
}

type RegistryDeps struct {
	Store JobStore
	// Locks and Monitor are optional.
	Locks   JobLocker
	Monitor RunChecker
	Clock   types.Clock
	Logger  types.Logger
}

type registered struct {
	job      types.CronJob
	schedule cron.Schedule
	handler  JobHandler
}

// Registry owns the registered cron jobs and executes them.
type Registry struct {
	store   JobStore
	locks   JobLocker
	monitor RunChecker
	clock   types.Clock
	logger  types.Logger
	cfg     RegistryConfig

	mu   sync.Mutex
	jobs map[string]*registered
}

func NewRegistry(deps RegistryDeps, cfg RegistryConfig) *Registry {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = types.NopLogger{}
	}
	return &Registry{
		store:   deps.Store,
		locks:   deps.Locks,
		monitor: deps.Monitor,
		clock:   deps.Clock,
		logger:  deps.Logger,
		cfg:     cfg,
		jobs:    make(map[string]*registered),
	}
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidCron,
			"invalid cron expression", err, map[string]any{"schedule": expr})
	}
	return sched, nil
}

// Register adds a job and computes its first run. State persisted under the
// same ID (last run, retry count, a pending retry) is carried over.
func (r *Registry) Register(ctx context.Context, spec JobSpec) (*types.CronJob, error) {
	if spec.Name == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "job name is required", nil)
	}
	if spec.Handler == nil {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "job handler is required", nil)
	}
	sched, err := ParseSchedule(spec.Schedule)
	if err != nil {
		return nil, err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	switch {
	case spec.MaxRetries == 0:
		spec.MaxRetries = core.JobRetryPolicy.MaxAttempts
	case spec.MaxRetries < 0:
		spec.MaxRetries = 0
	}
	if spec.RetryDelay <= 0 {
		spec.RetryDelay = core.JobRetryPolicy.BaseDelay
	}

	now := r.clock.Now()
	job := types.CronJob{
		ID:         spec.ID,
		Name:       spec.Name,
		Schedule:   spec.Schedule,
		Enabled:    spec.Enabled,
		NextRun:    sched.Next(now),
		Status:     types.JobPending,
		MaxRetries: spec.MaxRetries,
		RetryDelay: spec.RetryDelay,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.jobs {
		if existing.job.ID == job.ID || existing.job.Name == job.Name {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictJobExists,
				"job already registered", nil, map[string]any{"job_id": existing.job.ID, "name": job.Name})
		}
	}

	prior, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		job.LastRun = prior.LastRun
		if prior.Status != types.JobRunning {
			job.Status = prior.Status
		}
		job.RetryCount = prior.RetryCount
		if prior.Schedule == job.Schedule && prior.NextRun.After(now) {
			job.NextRun = prior.NextRun
		}
	}

	if err := r.store.SaveJob(ctx, &job); err != nil {
		return nil, err
	}
	r.jobs[job.ID] = &registered{job: job, schedule: sched, handler: spec.Handler}

	r.logger.Info("cron job registered",
		"job_id", job.ID,
		"name", job.Name,
		"schedule", job.Schedule,
		"next_run", job.NextRun.Format(time.RFC3339),
	)
	out := job
	return &out, nil
}

// Unregister removes a job and its history. A running job cannot be removed.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.jobs[id]
	if !ok {
		return jobNotFound(id)
	}
	if entry.job.Status == types.JobRunning {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictJobRunning,
			"job is running", nil, map[string]any{"job_id": id})
	}
	if err := r.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	delete(r.jobs, id)
	r.logger.Info("cron job unregistered", "job_id", id, "name", entry.job.Name)
	return nil
}

// GetJobs returns a snapshot of every registered job, sorted by name.
func (r *Registry) GetJobs() []types.CronJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.CronJob, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetJob returns a snapshot of one job.
func (r *Registry) GetJob(id string) (types.CronJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return types.CronJob{}, jobNotFound(id)
	}
	return e.job, nil
}

// RunJob executes a job now regardless of its schedule or enabled flag.
// Handler failures are reported in the returned run; the error is reserved
// for lookups, conflicts and storage.
func (r *Registry) RunJob(ctx context.Context, id string) (*types.CronRun, error) {
	run, _, err := r.runJob(ctx, id, false)
	return run, err
}

// runJob claims the job lock, reloads the persisted job and executes it.
// When scheduled is set the run is skipped (ran false) if the persisted next
// run is still ahead, which means another worker already served this slot.
func (r *Registry) runJob(ctx context.Context, id string, scheduled bool) (_ *types.CronRun, ran bool, _ error) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, false, jobNotFound(id)
	}
	if e.job.Status == types.JobRunning {
		r.mu.Unlock()
		return nil, false, jobRunning(id)
	}
	prev := e.job.Status
	e.job.Status = types.JobRunning
	r.mu.Unlock()

	lockID := "cron:" + id
	if r.locks != nil {
		acquired, err := r.locks.Acquire(ctx, lockID, r.cfg.WorkerID, r.cfg.LockTTL)
		if err != nil || !acquired {
			r.reset(e, prev)
			if err != nil {
				return nil, false, err
			}
			return nil, false, jobRunning(id)
		}
		defer func() {
			if err := r.locks.Release(context.WithoutCancel(ctx), lockID, r.cfg.WorkerID); err != nil {
				r.logger.Warn("failed to release job lock", "job_id", id, "error", err)
			}
		}()
	}

	persisted, err := r.store.GetJob(ctx, id)
	if err != nil {
		r.reset(e, prev)
		return nil, false, err
	}
	prev = r.merge(e, persisted, prev)

	if scheduled {
		r.mu.Lock()
		next := e.job.NextRun
		r.mu.Unlock()
		if next.After(r.clock.Now()) {
			r.reset(e, prev)
			r.logger.Info("cron slot already served by another worker",
				"job_id", id,
				"next_run", next.Format(time.RFC3339),
			)
			return nil, false, nil
		}
	}

	run, err := r.execute(ctx, e, prev)
	return run, err == nil, err
}

// merge copies the shared state of a persisted job onto the local entry and
// returns the status to restore if the run does not go ahead.
func (r *Registry) merge(e *registered, persisted *types.CronJob, prev types.JobStatus) types.JobStatus {
	if persisted == nil {
		return prev
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if persisted.LastRun != nil {
		last := *persisted.LastRun
		e.job.LastRun = &last
	}
	e.job.RetryCount = persisted.RetryCount
	if persisted.Schedule == e.job.Schedule && !persisted.NextRun.IsZero() {
		e.job.NextRun = persisted.NextRun
	}
	if persisted.Status != types.JobRunning {
		prev = persisted.Status
	}
	return prev
}

// execute runs the handler and records the outcome. The caller has already
// marked the entry RUNNING; prev is restored if the run cannot be recorded.
func (r *Registry) execute(ctx context.Context, e *registered, prev types.JobStatus) (*types.CronRun, error) {
	started := r.clock.Now()

	r.mu.Lock()
	e.job.LastRun = &started
	job := e.job
	r.mu.Unlock()

	run := &types.CronRun{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		StartedAt: started,
	}
	if err := r.store.SaveJob(ctx, &job); err != nil {
		r.reset(e, prev)
		return nil, err
	}
	if err := r.store.InsertRun(ctx, run); err != nil {
		r.reset(e, prev)
		return nil, err
	}

	result, err := invoke(types.WithJobRunID(ctx, run.ID), e.handler)

	completed := r.clock.Now()
	run.CompletedAt = &completed
	run.Duration = completed.Sub(started)
	run.EmailsSent = result.Data.EmailsSent
	run.EmailsFailed = result.Data.EmailsFailed
	run.Failures = result.Data.Failures
	run.Success = err == nil && result.Success
	switch {
	case err != nil:
		run.Error = err.Error()
	case !result.Success:
		run.Error = result.Message
		if run.Error == "" {
			run.Error = "job reported failure"
		}
	}

	if r.monitor != nil {
		r.monitor.CheckJobRun(ctx, job.Name, *run)
	}

	r.mu.Lock()
	if run.Success {
		e.job.Status = types.JobCompleted
		e.job.RetryCount = 0
		e.job.NextRun = e.schedule.Next(completed)
	} else {
		e.job.Status = types.JobFailed
		if e.job.RetryCount < e.job.MaxRetries {
			e.job.RetryCount++
			e.job.NextRun = completed.Add(e.job.RetryDelay)
		} else {
			e.job.RetryCount = 0
			e.job.NextRun = e.schedule.Next(completed)
		}
	}
	job = e.job
	r.mu.Unlock()

	logArgs := []any{
		"job_id", job.ID,
		"run_id", run.ID,
		"success", run.Success,
		"emails_sent", run.EmailsSent,
		"emails_failed", run.EmailsFailed,
		"duration_ms", run.Duration.Milliseconds(),
		"next_run", job.NextRun.Format(time.RFC3339),
	}
	if run.Success {
		r.logger.Info("cron job completed", logArgs...)
	} else {
		r.logger.Error("cron job failed", append(logArgs, "error", run.Error, "retry_count", job.RetryCount)...)
	}

	// Bookkeeping failures below are logged; the run itself already happened.
	store := context.WithoutCancel(ctx)
	if err := r.store.UpdateRun(store, run); err != nil {
		r.logger.Error("failed to record cron run", "run_id", run.ID, "error", err)
	}
	if err := r.store.SaveJob(store, &job); err != nil {
		r.logger.Error("failed to save cron job", "job_id", job.ID, "error", err)
	}
	if _, err := r.store.TrimRuns(store, job.ID, r.cfg.HistoryLimit); err != nil {
		r.logger.Warn("failed to trim cron run history", "job_id", job.ID, "error", err)
	}
	return run, nil
}

func (r *Registry) reset(e *registered, status types.JobStatus) {
	r.mu.Lock()
	e.job.Status = status
	r.mu.Unlock()
}

// invoke calls the handler and converts a panic into an error.
func invoke(ctx context.Context, h JobHandler) (result types.JobResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = types.JobResult{}
			err = fmt.Errorf("job handler panicked: %v", rec)
		}
	}()
	return h(ctx)
}

// RunAllJobs executes every enabled job sequentially, in name order. Jobs
// that cannot start (already running elsewhere) are skipped and logged.
func (r *Registry) RunAllJobs(ctx context.Context) []types.CronRun {
	var runs []types.CronRun
	for _, job := range r.GetJobs() {
		if !job.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}
		run, err := r.RunJob(ctx, job.ID)
		if err != nil {
			r.logger.Warn("skipping job in run-all", "job_id", job.ID, "error", err)
			continue
		}
		runs = append(runs, *run)
	}
	return runs
}

// Tick runs every enabled job whose next run is due. The due check is
// repeated against the store under the job lock, so workers sharing a store
// run each schedule slot once.
func (r *Registry) Tick(ctx context.Context) ([]types.CronRun, error) {
	now := r.clock.Now()
	var runs []types.CronRun
	for _, job := range r.GetJobs() {
		if !job.Enabled || job.Status == types.JobRunning || job.NextRun.After(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		run, ran, err := r.runJob(ctx, job.ID, true)
		if err != nil {
			if types.IsCode(err, types.ErrCodeConflictJobRunning) {
				continue
			}
			return runs, err
		}
		if ran {
			runs = append(runs, *run)
		}
	}
	return runs, nil
}

// GetRecentRuns returns the newest runs across all jobs.
func (r *Registry) GetRecentRuns(ctx context.Context, limit int) ([]types.CronRun, error) {
	return r.store.ListRuns(ctx, "", limit)
}

// GetJobRuns returns the newest runs of one job.
func (r *Registry) GetJobRuns(ctx context.Context, id string, limit int) ([]types.CronRun, error) {
	if _, err := r.GetJob(id); err != nil {
		return nil, err
	}
	return r.store.ListRuns(ctx, id, limit)
}

func jobNotFound(id string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundJob, "job not found", nil, map[string]any{"job_id": id})
}

func jobRunning(id string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeConflictJobRunning, "job is already running", nil, map[string]any{"job_id": id})
}
