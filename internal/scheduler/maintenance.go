package scheduler

import (
	"context"
	"fmt"
	"time"

	"courier/internal/archive"
	"courier/internal/notifications/core"
	"courier/internal/types"
)

// -----------------------------------------------------------------------------
// Store contracts
// -----------------------------------------------------------------------------

// QueueArchiveStore lists and removes settled queue rows.
type QueueArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]types.QueueMessage, error)
	DeleteByIDs(ctx context.Context, ids []string) (int64, error)
}

// DedupPurger removes expired dedup keys. The Redis backend expires keys
// itself and reports zero.
type DedupPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// RunStore is the cron maintenance surface of JobStore implementations.
type RunStore interface {
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)
	ReleaseStuckJobs(ctx context.Context, before time.Time) (int64, error)
}

// RetryProcessor resends due retry records.
type RetryProcessor interface {
	ProcessDue(ctx context.Context) (core.ProcessResult, error)
}

// CronTicker runs due cron jobs.
type CronTicker interface {
	Tick(ctx context.Context) ([]types.CronRun, error)
}

// EventFlusher pushes the monitor backlog to its sinks.
type EventFlusher interface {
	Flush(ctx context.Context) error
}

// MaintenanceConfig holds retention horizons and batch sizes.
type MaintenanceConfig struct {
	QueueRetention    time.Duration
	RunRetention      time.Duration
	StuckJobThreshold time.Duration
	BatchSize         int
}

// MaintenanceDeps lists the routines' collaborators. Any may be nil, in which
// case its task logs and does nothing.
type MaintenanceDeps struct {
	Queue   QueueArchiveStore
	Archive *archive.Writer
	Dedup   DedupPurger
	Runs    RunStore
	Retries RetryProcessor
	Cron    CronTicker
	Events  EventFlusher
	Clock   types.Clock
	Logger  types.Logger
}

// Maintenance routes payloads to housekeeping routines.
type Maintenance struct {
	deps MaintenanceDeps
	cfg  MaintenanceConfig
	log  types.Logger
}

func NewMaintenance(deps MaintenanceDeps, cfg MaintenanceConfig) *Maintenance {
	if cfg.QueueRetention <= 0 {
		cfg.QueueRetention = 30 * 24 * time.Hour
	}
	if cfg.RunRetention <= 0 {
		cfg.RunRetention = 30 * 24 * time.Hour
	}
	if cfg.StuckJobThreshold <= 0 {
		cfg.StuckJobThreshold = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = types.NopLogger{}
	}
	return &Maintenance{deps: deps, cfg: cfg, log: deps.Logger}
}

// Handle runs the task a payload names.
func (m *Maintenance) Handle(ctx context.Context, p MaintenancePayload) (TaskResult, error) {
	now := m.deps.Clock.Now()
	if p.ReferenceTime != nil {
		now = p.ReferenceTime.UTC()
	}

	res := TaskResult{Task: p.Task}
	var err error
	switch p.Task {
	case TaskArchiveQueue:
		res.Affected, err = m.ArchiveQueue(ctx, now)
	case TaskPurgeDedupKeys:
		res.Affected, err = m.PurgeDedupKeys(ctx, now)
	case TaskTrimRuns:
		res.Affected, err = m.TrimRuns(ctx, now)
	case TaskReleaseStuckJobs:
		res.Affected, err = m.ReleaseStuckJobs(ctx, now)
	case TaskProcessRetries:
		var pr core.ProcessResult
		pr, err = m.ProcessRetries(ctx)
		res.Affected = int64(pr.Claimed)
		res.Detail = fmt.Sprintf("retried=%d rescheduled=%d failed=%d", pr.Retried, pr.Rescheduled, pr.Failed)
	case TaskRunCronJobs:
		var runs []types.CronRun
		runs, err = m.RunCronJobs(ctx)
		res.Affected = int64(len(runs))
	case TaskFlushEvents:
		err = m.FlushEvents(ctx)
	default:
		return res, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidMessage,
			"unknown maintenance task", nil, map[string]any{"task": string(p.Task)})
	}
	if err != nil {
		return res, fmt.Errorf("maintenance task %s: %w", p.Task, err)
	}
	return res, nil
}

// ArchiveQueue writes settled rows older than the retention to the archive in
// batches and deletes them. Rows are only deleted after their batch is
// written.
func (m *Maintenance) ArchiveQueue(ctx context.Context, now time.Time) (int64, error) {
	if m.deps.Queue == nil || m.deps.Archive == nil {
		m.log.Warn("queue archival not configured, skipping")
		return 0, nil
	}

	cutoff := now.Add(-m.cfg.QueueRetention)
	var total int64
	for {
		rows, err := m.deps.Queue.ListTerminalBefore(ctx, cutoff, m.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("listing settled queue rows: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		key, err := archive.WriteBatch(ctx, m.deps.Archive, "queue", rows)
		if err != nil {
			return total, err
		}

		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		deleted, err := m.deps.Queue.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("deleting archived queue rows: %w", err)
		}
		total += deleted

		m.log.Info("archived queue batch",
			"batch_size", deleted,
			"key", key,
			"total_archived", total,
		)
		if len(rows) < m.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

// PurgeDedupKeys removes dedup keys whose window has passed.
func (m *Maintenance) PurgeDedupKeys(ctx context.Context, now time.Time) (int64, error) {
	if m.deps.Dedup == nil {
		return 0, nil
	}
	n, err := m.deps.Dedup.PurgeExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("purging dedup keys: %w", err)
	}
	if n > 0 {
		m.log.Info("purged expired dedup keys", "count", n)
	}
	return n, nil
}

// TrimRuns deletes completed cron runs older than the retention. The per-job
// history cap is enforced by the Registry after every run.
func (m *Maintenance) TrimRuns(ctx context.Context, now time.Time) (int64, error) {
	if m.deps.Runs == nil {
		return 0, nil
	}
	cutoff := now.Add(-m.cfg.RunRetention)
	n, err := m.deps.Runs.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting old cron runs: %w", err)
	}
	if n > 0 {
		m.log.Info("deleted old cron runs", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// ReleaseStuckJobs fails jobs left RUNNING by a process that died mid-run.
func (m *Maintenance) ReleaseStuckJobs(ctx context.Context, now time.Time) (int64, error) {
	if m.deps.Runs == nil {
		return 0, nil
	}
	n, err := m.deps.Runs.ReleaseStuckJobs(ctx, now.Add(-m.cfg.StuckJobThreshold))
	if err != nil {
		return 0, fmt.Errorf("releasing stuck jobs: %w", err)
	}
	if n > 0 {
		m.log.Warn("released stuck cron jobs", "count", n)
	}
	return n, nil
}

// ProcessRetries resends due retry records.
func (m *Maintenance) ProcessRetries(ctx context.Context) (core.ProcessResult, error) {
	if m.deps.Retries == nil {
		return core.ProcessResult{}, nil
	}
	return m.deps.Retries.ProcessDue(ctx)
}

// RunCronJobs runs due cron jobs.
func (m *Maintenance) RunCronJobs(ctx context.Context) ([]types.CronRun, error) {
	if m.deps.Cron == nil {
		return nil, nil
	}
	return m.deps.Cron.Tick(ctx)
}

// FlushEvents pushes buffered monitor events to the sinks.
func (m *Maintenance) FlushEvents(ctx context.Context) error {
	if m.deps.Events == nil {
		return nil
	}
	return m.deps.Events.Flush(ctx)
}

// Sweep runs every task once, continuing past failures. Used by the
// job-runner tool and the archiver's catch-all schedule.
func (m *Maintenance) Sweep(ctx context.Context) ([]TaskResult, error) {
	var (
		results  []TaskResult
		firstErr error
	)
	for _, task := range AllTasks {
		res, err := m.Handle(ctx, MaintenancePayload{Task: task})
		if err != nil {
			m.log.Error("maintenance task failed", "task", string(task), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, res)
	}
	return results, firstErr
}
