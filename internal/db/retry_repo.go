package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"courier/internal/types"
)

const retryColumns = `id, original_message_id, recipient, template_name, attempts,
	last_attempt, next_attempt, last_error`

// RetryRepository stores RetryRecords for the recovery service. Due records
// are leased with claimed_until so concurrent processors never resend the
// same record.
type RetryRepository struct {
	db DBTX
}

func NewRetryRepository(db DBTX) *RetryRepository {
	return &RetryRepository{db: db}
}

// Create inserts rec. One record per original message: a second insert for
// the same message is reported as a conflict.
func (r *RetryRepository) Create(ctx context.Context, rec *types.RetryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO retry_records
		   (id, original_message_id, recipient, template_name, attempts, last_attempt, next_attempt, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID,
		rec.OriginalMessageID,
		strings.ToLower(rec.Recipient),
		rec.TemplateName,
		rec.Attempts,
		rec.LastAttempt,
		rec.NextAttempt,
		nilIfEmpty(rec.LastError),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictRetryExists, "retry record already exists for message", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create retry record", err)
	}
	return nil
}

// ClaimDue leases up to limit records with next_attempt <= now and
// attempts < maxAttempts that are not leased by another processor.
func (r *RetryRepository) ClaimDue(ctx context.Context, now time.Time, maxAttempts, limit int, lease time.Duration) ([]types.RetryRecord, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE retry_records
		 SET claimed_until = $4
		 WHERE id IN (
		   SELECT id FROM retry_records
		   WHERE next_attempt <= $1
		     AND attempts < $2
		     AND (claimed_until IS NULL OR claimed_until <= $1)
		   ORDER BY next_attempt
		   FOR UPDATE SKIP LOCKED
		   LIMIT $3
		 )
		 RETURNING `+retryColumns,
		now, maxAttempts, limit, now.Add(lease),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim retry records", err)
	}
	return collectRetryRecords(rows)
}

// Reschedule persists the outcome of a failed resend and releases the lease.
func (r *RetryRepository) Reschedule(ctx context.Context, rec *types.RetryRecord) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE retry_records
		 SET attempts = $2, last_attempt = $3, next_attempt = $4, last_error = $5, claimed_until = NULL
		 WHERE id = $1`,
		rec.ID, rec.Attempts, rec.LastAttempt, rec.NextAttempt, nilIfEmpty(rec.LastError),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reschedule retry record", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundRecord, "retry record not found", nil)
	}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error since a
// concurrent bounce may have purged it.
func (r *RetryRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM retry_records WHERE id = $1`, id); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete retry record", err)
	}
	return nil
}

// DeleteByRecipient purges every record for recipient and returns them so
// the caller can settle their parked queue rows.
func (r *RetryRepository) DeleteByRecipient(ctx context.Context, recipient string) ([]types.RetryRecord, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM retry_records WHERE recipient = $1 RETURNING `+retryColumns,
		strings.ToLower(recipient),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to purge retry records", err)
	}
	return collectRetryRecords(rows)
}

// GetByMessage returns the record for an original message, or nil.
func (r *RetryRepository) GetByMessage(ctx context.Context, messageID string) (*types.RetryRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+retryColumns+` FROM retry_records WHERE original_message_id = $1`, messageID)
	rec, err := scanRetryRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get retry record", err)
	}
	return rec, nil
}

func collectRetryRecords(rows pgx.Rows) ([]types.RetryRecord, error) {
	defer rows.Close()
	var out []types.RetryRecord
	for rows.Next() {
		rec, err := scanRetryRecord(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan retry record", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate retry records", err)
	}
	return out, nil
}

func scanRetryRecord(row pgx.Row) (*types.RetryRecord, error) {
	var rec types.RetryRecord
	var lastErr *string
	if err := row.Scan(
		&rec.ID,
		&rec.OriginalMessageID,
		&rec.Recipient,
		&rec.TemplateName,
		&rec.Attempts,
		&rec.LastAttempt,
		&rec.NextAttempt,
		&lastErr,
	); err != nil {
		return nil, err
	}
	rec.LastError = derefString(lastErr)
	return &rec, nil
}
