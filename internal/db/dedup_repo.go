package db

import (
	"context"
	"time"

	"courier/internal/types"
)

// DedupRepository implements the check-and-set dedup mark on dedup_keys.
// It follows the job_locks pattern: the upsert only overwrites a row whose
// window has expired, so RowsAffected tells the caller whether it won.
type DedupRepository struct {
	db    DBTX
	clock types.Clock
}

func NewDedupRepository(db DBTX, clock types.Clock) *DedupRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &DedupRepository{db: db, clock: clock}
}

// Mark records key for window. It returns true when this call placed the
// mark and false when an unexpired mark already existed.
func (r *DedupRepository) Mark(ctx context.Context, key string, window time.Duration) (bool, error) {
	now := r.clock.Now()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO dedup_keys (key, marked_at, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE
		   SET marked_at = EXCLUDED.marked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE dedup_keys.expires_at <= $2`,
		key, now, now.Add(window),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark dedup key", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release removes a mark placed by a producer whose enqueue then failed.
func (r *DedupRepository) Release(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM dedup_keys WHERE key = $1`, key); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release dedup key", err)
	}
	return nil
}

// PurgeExpired deletes marks whose window ended before now.
func (r *DedupRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM dedup_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge dedup keys", err)
	}
	return tag.RowsAffected(), nil
}
