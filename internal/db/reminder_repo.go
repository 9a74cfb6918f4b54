package db

import (
	"context"

	"courier/internal/types"
)

// ReminderRepository caps how many reminders one correlation key may ever
// receive.
type ReminderRepository struct {
	db    DBTX
	clock types.Clock
}

func NewReminderRepository(db DBTX, clock types.Clock) *ReminderRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ReminderRepository{db: db, clock: clock}
}

// Reserve takes one reminder slot for key. It returns false once the key
// has already used limit slots.
func (r *ReminderRepository) Reserve(ctx context.Context, key string, limit int) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO reminder_counts (key, count, last_sent_at)
		 VALUES ($1, 1, $2)
		 ON CONFLICT (key) DO UPDATE
		   SET count = reminder_counts.count + 1,
		       last_sent_at = EXCLUDED.last_sent_at
		   WHERE reminder_counts.count < $3`,
		key, r.clock.Now(), limit,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to reserve reminder slot", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release returns a slot taken by Reserve when the enqueue that followed
// it failed.
func (r *ReminderRepository) Release(ctx context.Context, key string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE reminder_counts SET count = GREATEST(count - 1, 0) WHERE key = $1`, key)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release reminder slot", err)
	}
	return nil
}

// Get returns the current count for key, or nil when none was sent.
func (r *ReminderRepository) Get(ctx context.Context, key string) (*types.ReminderCount, error) {
	rows, err := r.db.Query(ctx,
		`SELECT key, count, last_sent_at FROM reminder_counts WHERE key = $1`, key)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get reminder count", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var rc types.ReminderCount
	if err := rows.Scan(&rc.Key, &rc.Count, &rc.LastSentAt); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan reminder count", err)
	}
	return &rc, nil
}
