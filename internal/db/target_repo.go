package db

import (
	"context"

	"courier/internal/types"
)

// MissingDocumentRepository enumerates reminder targets from the
// missing_document_targets view. The view belongs to the product database;
// which documents count as missing is decided there.
type MissingDocumentRepository struct {
	db    DBTX
	limit int
}

func NewMissingDocumentRepository(db DBTX, limit int) *MissingDocumentRepository {
	if limit <= 0 {
		limit = 5000
	}
	return &MissingDocumentRepository{db: db, limit: limit}
}

// Targets implements types.TargetEnumerator.
func (r *MissingDocumentRepository) Targets(ctx context.Context) ([]types.ReminderTarget, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, recipient, recipient_name, load_id, load_number, document_type, upload_url
		 FROM missing_document_targets
		 ORDER BY load_id, document_type
		 LIMIT $1`, r.limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to enumerate missing documents", err)
	}
	defer rows.Close()

	var out []types.ReminderTarget
	for rows.Next() {
		var t types.ReminderTarget
		if err := rows.Scan(&t.UserID, &t.Recipient, &t.RecipientName, &t.LoadID, &t.LoadNumber, &t.DocumentType, &t.UploadURL); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan reminder target", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate reminder targets", err)
	}
	return out, nil
}

var _ types.TargetEnumerator = (*MissingDocumentRepository)(nil)
