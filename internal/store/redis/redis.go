// Package redis backs the dedup gate and the reminder cap with Redis so that
// several notifyd or email-worker processes share one view of what was sent.
package redis

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"courier/internal/config"
	"courier/internal/types"
)

// cmdable is the subset of *goredis.Client the stores use.
type cmdable interface {
	goredis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
}

// NewClient builds a client from config and verifies connectivity.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Unmask(),
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "redis ping failed", err)
	}
	return client, nil
}

// DedupStore marks dedup keys with SET NX PX; the key's TTL is the window.
type DedupStore struct {
	rdb    cmdable
	prefix string
}

func NewDedupStore(rdb cmdable, prefix string) *DedupStore {
	return &DedupStore{rdb: rdb, prefix: prefix + "dedup:"}
}

func (s *DedupStore) Mark(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, 1, window).Result()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to mark dedup key", err)
	}
	return ok, nil
}

func (s *DedupStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to release dedup key", err)
	}
	return nil
}

// PurgeExpired is a no-op: Redis expires marks on its own.
func (s *DedupStore) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// reserveScript increments the reminder count unless it already reached the
// cap. KEYS[1] = hash key, ARGV[1] = cap, ARGV[2] = unix seconds of the send.
var reserveScript = goredis.NewScript(`
local c = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if c >= tonumber(ARGV[1]) then
    return 0
end
redis.call('HINCRBY', KEYS[1], 'count', 1)
redis.call('HSET', KEYS[1], 'last_sent_at', ARGV[2])
return 1
`)

// releaseScript undoes one reservation, never going below zero.
var releaseScript = goredis.NewScript(`
local c = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
if c > 0 then
    redis.call('HINCRBY', KEYS[1], 'count', -1)
end
return c
`)

// ReminderStore keeps per-key reminder counts in Redis hashes.
type ReminderStore struct {
	rdb    cmdable
	prefix string
	clock  types.Clock
}

func NewReminderStore(rdb cmdable, prefix string, clock types.Clock) *ReminderStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &ReminderStore{rdb: rdb, prefix: prefix + "reminder:", clock: clock}
}

func (s *ReminderStore) Reserve(ctx context.Context, key string, limit int) (bool, error) {
	n, err := reserveScript.Run(ctx, s.rdb, []string{s.prefix + key}, limit, s.clock.Now().Unix()).Int()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to reserve reminder", err)
	}
	return n == 1, nil
}

func (s *ReminderStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{s.prefix + key}).Err(); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to release reminder", err)
	}
	return nil
}

func (s *ReminderStore) Get(ctx context.Context, key string) (*types.ReminderCount, error) {
	fields, err := s.rdb.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "failed to load reminder count", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rc := &types.ReminderCount{Key: key}
	rc.Count, _ = strconv.Atoi(fields["count"])
	if ts, err := strconv.ParseInt(fields["last_sent_at"], 10, 64); err == nil {
		rc.LastSentAt = time.Unix(ts, 0).UTC()
	}
	return rc, nil
}
