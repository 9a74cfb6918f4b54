package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"courier/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// mockRedis implements cmdable. Unused Scripter methods come from the nil
// embedded interface and panic if reached.
type mockRedis struct {
	goredis.Scripter
	mock.Mock
}

func (m *mockRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*goredis.BoolCmd)
}

func (m *mockRedis) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	args := m.Called(ctx, keys)
	return args.Get(0).(*goredis.IntCmd)
}

func (m *mockRedis) HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd {
	args := m.Called(ctx, key)
	return args.Get(0).(*goredis.MapStringStringCmd)
}

func (m *mockRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *goredis.Cmd {
	ret := m.Called(ctx, sha1, keys, args)
	return ret.Get(0).(*goredis.Cmd)
}

// ============================================================
// DedupStore
// ============================================================

func TestDedupStore_Mark(t *testing.T) {
	tests := []struct {
		name    string
		result  *goredis.BoolCmd
		want    bool
		wantErr bool
	}{
		{"first mark wins", goredis.NewBoolResult(true, nil), true, false},
		{"existing mark", goredis.NewBoolResult(false, nil), false, false},
		{"redis down", goredis.NewBoolResult(false, errors.New("dial tcp")), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb := new(mockRedis)
			rdb.On("SetNX", mock.Anything, "courier:dedup:abc", 1, 24*time.Hour).Return(tt.result)

			got, err := NewDedupStore(rdb, "courier:").Mark(context.Background(), "abc", 24*time.Hour)
			if tt.wantErr {
				assert.True(t, types.IsCode(err, types.ErrCodeUpstreamUnavailable))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			rdb.AssertExpectations(t)
		})
	}
}

func TestDedupStore_Release(t *testing.T) {
	rdb := new(mockRedis)
	rdb.On("Del", mock.Anything, []string{"courier:dedup:abc"}).Return(goredis.NewIntResult(1, nil))

	require.NoError(t, NewDedupStore(rdb, "courier:").Release(context.Background(), "abc"))
	rdb.AssertExpectations(t)
}

// ============================================================
// ReminderStore
// ============================================================

func TestReminderStore_Reserve(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		result int64
		want   bool
	}{
		{"under cap", 1, true},
		{"cap reached", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rdb := new(mockRedis)
			rdb.On("EvalSha", mock.Anything, mock.Anything, []string{"courier:reminder:load-1:pod"},
				[]interface{}{3, now.Unix()}).Return(goredis.NewCmdResult(tt.result, nil))

			s := NewReminderStore(rdb, "courier:", fixedClock{t: now})
			got, err := s.Reserve(context.Background(), "load-1:pod", 3)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReminderStore_Get(t *testing.T) {
	rdb := new(mockRedis)
	rdb.On("HGetAll", mock.Anything, "courier:reminder:k").
		Return(goredis.NewMapStringStringResult(map[string]string{"count": "2", "last_sent_at": "1772442000"}, nil))
	rdb.On("HGetAll", mock.Anything, "courier:reminder:none").
		Return(goredis.NewMapStringStringResult(map[string]string{}, nil))

	s := NewReminderStore(rdb, "courier:", nil)
	rc, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.Equal(t, 2, rc.Count)
	assert.Equal(t, int64(1772442000), rc.LastSentAt.Unix())

	rc, err = s.Get(context.Background(), "none")
	require.NoError(t, err)
	assert.Nil(t, rc)
}
