package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"courier/internal/types"
)

func retryRowValues(id, msgID string, attempts int) []any {
	return []any{id, msgID, "driver@example.com", "missing_document_reminder", attempts,
		testNow.Add(-time.Minute), testNow, "upstream_rate_limited: 429"}
}

func TestRetryRepository_Create_NormalizesRecipient(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRetryRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return args[2] == "driver@example.com" && args[4] == 0
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	rec := &types.RetryRecord{
		OriginalMessageID: "msg-1",
		Recipient:         "Driver@Example.com",
		LastAttempt:       testNow,
		NextAttempt:       testNow.Add(time.Minute),
	}
	require.NoError(t, repo.Create(ctx, rec))
	assert.NotEmpty(t, rec.ID, "Create assigns an ID")
	db.AssertExpectations(t)
}

func TestRetryRepository_Create_Duplicate(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRetryRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := repo.Create(ctx, &types.RetryRecord{OriginalMessageID: "msg-1"})
	assert.True(t, types.IsCode(err, types.ErrCodeConflictRetryExists))
}

func TestRetryRepository_ClaimDue(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRetryRepository(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), []any{testNow, 3, 25, testNow.Add(2 * time.Minute)}).
		Return(newMockRows([][]any{
			retryRowValues("r-1", "msg-1", 0),
			retryRowValues("r-2", "msg-2", 2),
		}), nil)

	recs, err := repo.ClaimDue(ctx, testNow, 3, 25, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "msg-2", recs[1].OriginalMessageID)
	assert.Equal(t, 2, recs[1].Attempts)
	assert.Equal(t, "upstream_rate_limited: 429", recs[0].LastError)
	db.AssertExpectations(t)
}

func TestRetryRepository_ClaimDue_ScanError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRetryRepository(db)
	ctx := context.Background()

	rows := newMockRows([][]any{retryRowValues("r-1", "msg-1", 0)})
	rows.scanErr = errors.New("bad column")
	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	_, err := repo.ClaimDue(ctx, testNow, 3, 25, time.Minute)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
	assert.True(t, rows.closed)
}

func TestRetryRepository_Reschedule_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRetryRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Reschedule(ctx, &types.RetryRecord{ID: "gone"})
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundRecord))
}

func TestRetryRepository_DeleteByRecipient(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRetryRepository(db)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), []any{"driver@example.com"}).
		Return(newMockRows([][]any{retryRowValues("r-1", "msg-1", 1)}), nil)

	recs, err := repo.DeleteByRecipient(ctx, "DRIVER@example.com")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "msg-1", recs[0].OriginalMessageID)
}

func TestRetryRepository_GetByMessage_Missing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewRetryRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"msg-x"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	rec, err := repo.GetByMessage(ctx, "msg-x")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
