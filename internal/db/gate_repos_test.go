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

// ============================================================
// DedupRepository
// ============================================================

func TestDedupRepository_Mark(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{"new key", "INSERT 0 1", true},
		{"expired key reclaimed", "INSERT 0 1", true},
		{"live key", "INSERT 0 0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewDedupRepository(db, fixedClock{testNow})
			ctx := context.Background()

			db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"k1", testNow, testNow.Add(24 * time.Hour)}).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			marked, err := repo.Mark(ctx, "k1", 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, tt.want, marked)
			db.AssertExpectations(t)
		})
	}
}

func TestDedupRepository_Mark_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDedupRepository(db, fixedClock{testNow})
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("timeout"))

	marked, err := repo.Mark(ctx, "k1", time.Hour)
	assert.False(t, marked)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestDedupRepository_PurgeExpired(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDedupRepository(db, fixedClock{testNow})
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{testNow}).
		Return(pgconn.NewCommandTag("DELETE 7"), nil)

	n, err := repo.PurgeExpired(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

// ============================================================
// ReminderRepository
// ============================================================

func TestReminderRepository_Reserve(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReminderRepository(db, fixedClock{testNow})
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"L1:BOL", testNow, 3}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()
	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"L1:BOL", testNow, 3}).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil).Once()

	ok, err := repo.Reserve(ctx, "L1:BOL", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Reserve(ctx, "L1:BOL", 3)
	require.NoError(t, err)
	assert.False(t, ok, "cap reached")
}

func TestReminderRepository_Get(t *testing.T) {
	db := new(mockDBTX)
	repo := NewReminderRepository(db, fixedClock{testNow})
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), []any{"L1:BOL"}).
		Return(newMockRows([][]any{{"L1:BOL", 2, testNow}}), nil).Once()
	db.On("Query", ctx, mock.AnythingOfType("string"), []any{"L2:POD"}).
		Return(newMockRows(nil), nil).Once()

	rc, err := repo.Get(ctx, "L1:BOL")
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, 2, rc.Count)

	rc, err = repo.Get(ctx, "L2:POD")
	require.NoError(t, err)
	assert.Nil(t, rc)
}

// ============================================================
// BounceRepository
// ============================================================

func TestBounceRepository_Add_Lowercases(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBounceRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), []any{"driver@example.com", "mailbox full", testNow}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Add(ctx, types.BouncedAddress{Email: " Driver@Example.COM ", Reason: "mailbox full", Timestamp: testNow})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestBounceRepository_IsBounced(t *testing.T) {
	db := new(mockDBTX)
	repo := NewBounceRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"driver@example.com"}).
		Return(valuesRow(true))

	bounced, err := repo.IsBounced(ctx, "Driver@example.com")
	require.NoError(t, err)
	assert.True(t, bounced)
}

// ============================================================
// PreferenceRepository
// ============================================================

func TestPreferenceRepository_Get(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPreferenceRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"u1", "documents", "missing_document_reminder"}).
		Return(valuesRow("u1", "documents", "missing_document_reminder", true, "never"))
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"u2", "documents", "missing_document_reminder"}).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	p, err := repo.Get(ctx, "u1", "documents", "missing_document_reminder")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, types.FrequencyNever, p.Frequency)
	assert.False(t, p.Allows())

	p, err = repo.Get(ctx, "u2", "documents", "missing_document_reminder")
	require.NoError(t, err)
	assert.Nil(t, p)
}

// ============================================================
// MissingDocumentRepository
// ============================================================

func TestMissingDocumentRepository_Targets(t *testing.T) {
	db := new(mockDBTX)
	repo := NewMissingDocumentRepository(db, 0)
	ctx := context.Background()

	db.On("Query", ctx, mock.AnythingOfType("string"), []any{5000}).
		Return(newMockRows([][]any{
			{"u1", "driver@example.com", "Dana", "L1", "1001", "BOL", "https://app/loads/L1"},
		}), nil)

	targets, err := repo.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "BOL", targets[0].DocumentType)
	assert.Equal(t, "1001", targets[0].LoadNumber)
}
