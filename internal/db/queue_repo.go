package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"courier/internal/types"
)

// queueColumns is the column list shared by every statement that returns a
// full notification_queue row. Order must match scanQueueMessage.
const queueColumns = `id, type, payload, status, attempts, max_attempts,
	created_at, updated_at, processed_at, next_attempt_at, claim_expires_at,
	error, metadata`

// QueueRepository is the durable notification queue. Claims are single
// conditional UPDATEs over a FOR UPDATE SKIP LOCKED subselect, so two
// workers can never observe the same claimable row.
type QueueRepository struct {
	db    DBTX
	clock types.Clock
}

// NewQueueRepository creates a QueueRepository. A nil clock uses wall time.
func NewQueueRepository(db DBTX, clock types.Clock) *QueueRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &QueueRepository{db: db, clock: clock}
}

// Enqueue inserts msg as PENDING with zero attempts. ID and timestamps are
// assigned here; MaxAttempts must already be set by the producer.
func (r *QueueRepository) Enqueue(ctx context.Context, msg *types.QueueMessage) (*types.QueueMessage, error) {
	if msg.MaxAttempts < 1 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidMessage, "max_attempts must be at least 1", nil)
	}

	now := r.clock.Now()
	out := *msg
	out.ID = uuid.NewString()
	out.Status = types.MessagePending
	out.Attempts = 0
	out.CreatedAt = now
	out.UpdatedAt = now
	out.ProcessedAt = nil
	out.NextAttemptAt = nil
	out.ClaimExpiresAt = nil
	out.LastError = nil

	payload, err := json.Marshal(out.Payload)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidMessage, "failed to encode payload", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO notification_queue
		   (id, type, payload, status, attempts, max_attempts, created_at, updated_at, metadata)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $6, $7)`,
		out.ID,
		string(out.Type),
		payload,
		string(out.Status),
		out.MaxAttempts,
		now,
		nullableJSON(out.Metadata),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to enqueue message", err)
	}
	return &out, nil
}

// Dequeue claims one eligible row and returns it as PROCESSING, or nil when
// nothing is claimable. Eligible rows are PENDING, RETRYING with a due
// next_attempt_at, or PROCESSING with an expired claim; all must have
// attempts below both their own cap and maxAttempts. RETRYING rows with a
// NULL next_attempt_at are parked for the recovery service and never match.
func (r *QueueRepository) Dequeue(ctx context.Context, maxAttempts int, visibility time.Duration) (*types.QueueMessage, error) {
	now := r.clock.Now()

	row := r.db.QueryRow(ctx,
		`UPDATE notification_queue
		 SET status = 'PROCESSING', claim_expires_at = $2, updated_at = $1
		 WHERE id = (
		   SELECT id FROM notification_queue
		   WHERE attempts < LEAST(max_attempts, $3)
		     AND (status = 'PENDING'
		          OR (status = 'RETRYING' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1)
		          OR (status = 'PROCESSING' AND claim_expires_at <= $1))
		   ORDER BY created_at
		   FOR UPDATE SKIP LOCKED
		   LIMIT 1
		 )
		 RETURNING `+queueColumns,
		now,
		now.Add(visibility),
		maxAttempts,
	)

	msg, err := scanQueueMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim message", err)
	}
	return msg, nil
}

// Complete marks the message COMPLETED.
func (r *QueueRepository) Complete(ctx context.Context, id string) error {
	now := r.clock.Now()
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_queue
		 SET status = 'COMPLETED', processed_at = $2, updated_at = $2,
		     claim_expires_at = NULL, next_attempt_at = NULL
		 WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`,
		id, now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete message", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionMiss(ctx, id)
	}
	return nil
}

// Fail marks the message FAILED after a final failed send, counting that
// send as an attempt, and records cause.
func (r *QueueRepository) Fail(ctx context.Context, id string, cause error) error {
	return r.fail(ctx, id, cause, true)
}

// Discard fails a message that was never sent; attempts are unchanged.
func (r *QueueRepository) Discard(ctx context.Context, id string, cause error) error {
	return r.fail(ctx, id, cause, false)
}

func (r *QueueRepository) fail(ctx context.Context, id string, cause error, sent bool) error {
	now := r.clock.Now()
	tag, err := r.db.Exec(ctx,
		`UPDATE notification_queue
		 SET status = 'FAILED', processed_at = $3, updated_at = $3, error = $2,
		     attempts = CASE WHEN $4 THEN LEAST(attempts + 1, max_attempts) ELSE attempts END,
		     claim_expires_at = NULL, next_attempt_at = NULL
		 WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')`,
		id, encodeMessageError(cause, now), now, sent,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to fail message", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionMiss(ctx, id)
	}
	return nil
}

// Retry consumes one attempt. When the attempt reaches max_attempts the row
// becomes FAILED; otherwise it becomes RETRYING at nextAttempt. A nil
// nextAttempt parks the row so only the recovery service settles it.
// The resulting status is returned.
func (r *QueueRepository) Retry(ctx context.Context, id string, cause error, nextAttempt *time.Time) (types.MessageStatus, error) {
	now := r.clock.Now()
	var status string
	err := r.db.QueryRow(ctx,
		`UPDATE notification_queue
		 SET attempts = attempts + 1,
		     status = CASE WHEN attempts + 1 >= max_attempts THEN 'FAILED' ELSE 'RETRYING' END,
		     next_attempt_at = CASE WHEN attempts + 1 >= max_attempts THEN NULL ELSE $3::timestamptz END,
		     processed_at = CASE WHEN attempts + 1 >= max_attempts THEN $4::timestamptz ELSE processed_at END,
		     claim_expires_at = NULL,
		     error = $2,
		     updated_at = $4
		 WHERE id = $1 AND status NOT IN ('COMPLETED', 'FAILED')
		 RETURNING status`,
		id, encodeMessageError(cause, now), nextAttempt, now,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", r.transitionMiss(ctx, id)
	}
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to retry message", err)
	}
	return types.MessageStatus(status), nil
}

// Get returns a single message by ID.
func (r *QueueRepository) Get(ctx context.Context, id string) (*types.QueueMessage, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM notification_queue WHERE id = $1`, id)
	msg, err := scanQueueMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get message", err)
	}
	return msg, nil
}

// Stats counts rows by status. Every status is present in the result.
func (r *QueueRepository) Stats(ctx context.Context) (types.QueueStats, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM notification_queue GROUP BY status`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query queue stats", err)
	}
	defer rows.Close()

	stats := make(types.QueueStats, len(types.AllMessageStatuses))
	for _, s := range types.AllMessageStatuses {
		stats[s] = 0
	}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan queue stats", err)
		}
		stats[types.MessageStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate queue stats", err)
	}
	return stats, nil
}

// ListTerminalBefore returns COMPLETED or FAILED rows last touched before
// the cutoff, oldest first. Used by the archive task.
func (r *QueueRepository) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]types.QueueMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+queueColumns+` FROM notification_queue
		 WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < $1
		 ORDER BY updated_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list terminal messages", err)
	}
	defer rows.Close()

	var out []types.QueueMessage
	for rows.Next() {
		msg, err := scanQueueMessage(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan terminal message", err)
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate terminal messages", err)
	}
	return out, nil
}

// DeleteByIDs removes archived rows. Non-terminal rows are never deleted.
func (r *QueueRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notification_queue
		 WHERE id = ANY($1) AND status IN ('COMPLETED', 'FAILED')`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived messages", err)
	}
	return tag.RowsAffected(), nil
}

// transitionMiss explains why a guarded UPDATE touched no row.
func (r *QueueRepository) transitionMiss(ctx context.Context, id string) error {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM notification_queue WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to read message status", err)
	}
	return types.NewAppErrorWithDetails(types.ErrCodeConflictMessageTerminal,
		"message is already terminal", nil, map[string]any{"id": id, "status": status})
}

func scanQueueMessage(row pgx.Row) (*types.QueueMessage, error) {
	var (
		msg              types.QueueMessage
		typ, status      string
		payload, errJSON []byte
		metadata         []byte
	)
	if err := row.Scan(
		&msg.ID,
		&typ,
		&payload,
		&status,
		&msg.Attempts,
		&msg.MaxAttempts,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&msg.ProcessedAt,
		&msg.NextAttemptAt,
		&msg.ClaimExpiresAt,
		&errJSON,
		&metadata,
	); err != nil {
		return nil, err
	}
	msg.Type = types.MessageType(typ)
	msg.Status = types.MessageStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &msg.Payload); err != nil {
			return nil, err
		}
	}
	if len(errJSON) > 0 {
		var me types.MessageError
		if err := json.Unmarshal(errJSON, &me); err != nil {
			return nil, err
		}
		msg.LastError = &me
	}
	if len(metadata) > 0 {
		msg.Metadata = metadata
	}
	return &msg, nil
}

func encodeMessageError(cause error, at time.Time) []byte {
	me := types.NewMessageError(cause, at)
	if me == nil {
		return nil
	}
	b, _ := json.Marshal(me)
	return b
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
