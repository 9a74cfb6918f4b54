package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"courier/internal/types"
)

// PreferenceRepository reads opt-in settings owned by the product's CRUD
// layer. The engine never writes this table.
type PreferenceRepository struct {
	db DBTX
}

func NewPreferenceRepository(db DBTX) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// Get returns the preference row, or nil when the user never set one.
func (r *PreferenceRepository) Get(ctx context.Context, userID, category, typ string) (*types.NotificationPreference, error) {
	var p types.NotificationPreference
	var freq string
	err := r.db.QueryRow(ctx,
		`SELECT user_id, category, type, enabled, frequency
		 FROM notification_preferences
		 WHERE user_id = $1 AND category = $2 AND type = $3`,
		userID, category, typ,
	).Scan(&p.UserID, &p.Category, &p.Type, &p.Enabled, &freq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get notification preference", err)
	}
	p.Frequency = types.Frequency(freq)
	return &p, nil
}
