package db

import (
	"context"
	"strings"

	"courier/internal/types"
)

// BounceRepository is the permanent suppression list. Rows are only added
// here; clearing is an operator action outside the engine.
type BounceRepository struct {
	db DBTX
}

func NewBounceRepository(db DBTX) *BounceRepository {
	return &BounceRepository{db: db}
}

// Add inserts the address. Re-adding keeps the original reason and time.
func (r *BounceRepository) Add(ctx context.Context, b types.BouncedAddress) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO bounced_addresses (email, reason, bounced_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO NOTHING`,
		strings.ToLower(strings.TrimSpace(b.Email)), b.Reason, b.Timestamp,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record bounce", err)
	}
	return nil
}

// IsBounced reports whether email is suppressed. Comparison is
// case-insensitive.
func (r *BounceRepository) IsBounced(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bounced_addresses WHERE email = $1)`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check bounce list", err)
	}
	return exists, nil
}

// List returns the most recent bounces first.
func (r *BounceRepository) List(ctx context.Context, limit int) ([]types.BouncedAddress, error) {
	rows, err := r.db.Query(ctx,
		`SELECT email, reason, bounced_at FROM bounced_addresses
		 ORDER BY bounced_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list bounces", err)
	}
	defer rows.Close()

	var out []types.BouncedAddress
	for rows.Next() {
		var b types.BouncedAddress
		if err := rows.Scan(&b.Email, &b.Reason, &b.Timestamp); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan bounce", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate bounces", err)
	}
	return out, nil
}
