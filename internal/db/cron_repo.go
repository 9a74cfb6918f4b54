package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"courier/internal/types"
)

const (
	cronJobColumns = `id, name, schedule, enabled, last_run, next_run, status,
		retry_count, max_retries, retry_delay_ms`
	cronRunColumns = `id, job_id, started_at, completed_at, success, emails_sent,
		emails_failed, failures, duration_ms, error`
)

// CronRepository persists scheduler jobs and their run history.
type CronRepository struct {
	db DBTX
}

func NewCronRepository(db DBTX) *CronRepository {
	return &CronRepository{db: db}
}

// ============================================================
// Jobs
// ============================================================

// SaveJob upserts the full job state.
func (r *CronRepository) SaveJob(ctx context.Context, job *types.CronJob) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO cron_jobs (`+cronJobColumns+`, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   schedule = EXCLUDED.schedule,
		   enabled = EXCLUDED.enabled,
		   last_run = EXCLUDED.last_run,
		   next_run = EXCLUDED.next_run,
		   status = EXCLUDED.status,
		   retry_count = EXCLUDED.retry_count,
		   max_retries = EXCLUDED.max_retries,
		   retry_delay_ms = EXCLUDED.retry_delay_ms,
		   updated_at = NOW()`,
		job.ID,
		job.Name,
		job.Schedule,
		job.Enabled,
		job.LastRun,
		job.NextRun,
		string(job.Status),
		job.RetryCount,
		job.MaxRetries,
		job.RetryDelay.Milliseconds(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictJobExists, "a job with this name already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save cron job", err)
	}
	return nil
}

// GetJob returns the persisted job, or nil when it has never been saved.
func (r *CronRepository) GetJob(ctx context.Context, id string) (*types.CronJob, error) {
	row := r.db.QueryRow(ctx, `SELECT `+cronJobColumns+` FROM cron_jobs WHERE id = $1`, id)

	var job types.CronJob
	var status string
	var delayMS int64
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Schedule,
		&job.Enabled,
		&job.LastRun,
		&job.NextRun,
		&status,
		&job.RetryCount,
		&job.MaxRetries,
		&delayMS,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get cron job", err)
	}
	job.Status = types.JobStatus(status)
	job.RetryDelay = time.Duration(delayMS) * time.Millisecond
	return &job, nil
}

// DeleteJob removes a job and, by cascade, its runs.
func (r *CronRepository) DeleteJob(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM cron_jobs WHERE id = $1`, id); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete cron job", err)
	}
	return nil
}

// ReleaseStuckJobs flips jobs left RUNNING since before (a crashed process)
// to FAILED so the scheduler picks them up again.
func (r *CronRepository) ReleaseStuckJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE cron_jobs SET status = 'FAILED', updated_at = NOW()
		 WHERE status = 'RUNNING' AND updated_at < $1`, before)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to release stuck jobs", err)
	}
	return tag.RowsAffected(), nil
}

// ============================================================
// Runs
// ============================================================

// InsertRun records the start of an execution.
func (r *CronRepository) InsertRun(ctx context.Context, run *types.CronRun) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO cron_runs (id, job_id, started_at) VALUES ($1, $2, $3)`,
		run.ID, run.JobID, run.StartedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert cron run", err)
	}
	return nil
}

// UpdateRun stores the outcome of an execution.
func (r *CronRepository) UpdateRun(ctx context.Context, run *types.CronRun) error {
	failures, err := json.Marshal(run.Failures)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode run failures", err)
	}
	_, err = r.db.Exec(ctx,
		`UPDATE cron_runs
		 SET completed_at = $2, success = $3, emails_sent = $4, emails_failed = $5,
		     failures = $6, duration_ms = $7, error = $8
		 WHERE id = $1`,
		run.ID,
		run.CompletedAt,
		run.Success,
		run.EmailsSent,
		run.EmailsFailed,
		failures,
		run.Duration.Milliseconds(),
		nilIfEmpty(run.Error),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update cron run", err)
	}
	return nil
}

// ListRuns returns runs newest first. An empty jobID lists runs of every job.
func (r *CronRepository) ListRuns(ctx context.Context, jobID string, limit int) ([]types.CronRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+cronRunColumns+` FROM cron_runs
		 WHERE ($1 = '' OR job_id::text = $1)
		 ORDER BY started_at DESC
		 LIMIT $2`,
		jobID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list cron runs", err)
	}
	defer rows.Close()

	var out []types.CronRun
	for rows.Next() {
		var (
			run        types.CronRun
			failures   []byte
			durationMS int64
			runErr     *string
		)
		if err := rows.Scan(
			&run.ID,
			&run.JobID,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Success,
			&run.EmailsSent,
			&run.EmailsFailed,
			&failures,
			&durationMS,
			&runErr,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan cron run", err)
		}
		if len(failures) > 0 {
			if err := json.Unmarshal(failures, &run.Failures); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode run failures", err)
			}
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		run.Error = derefString(runErr)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate cron runs", err)
	}
	return out, nil
}

// TrimRuns keeps only the newest keep runs of jobID.
func (r *CronRepository) TrimRuns(ctx context.Context, jobID string, keep int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM cron_runs
		 WHERE job_id = $1 AND id NOT IN (
		   SELECT id FROM cron_runs WHERE job_id = $1
		   ORDER BY started_at DESC LIMIT $2
		 )`,
		jobID, keep,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to trim cron runs", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteRunsBefore removes completed runs that started before the cutoff.
func (r *CronRepository) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM cron_runs WHERE started_at < $1 AND completed_at IS NOT NULL`, before)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete old cron runs", err)
	}
	return tag.RowsAffected(), nil
}
