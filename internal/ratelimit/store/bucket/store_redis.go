package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"consentry/internal/ratelimit/models"
)

// fixedWindowScript increments the counter and arms its expiry in a single
// round trip, so concurrent requests cannot both observe a stale count.
// KEYS[1] = window key
// ARGV[1] = window length in milliseconds
// Returns {count, pttl_ms}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisBucketStore shares fixed windows across instances through Redis.
// Expiry of the key is the window reset.
type RedisBucketStore struct {
	client redis.Scripter
	now    func() time.Time
}

// NewRedisBucketStore wraps any go-redis client (single node, ring or cluster).
func NewRedisBucketStore(client redis.Scripter) *RedisBucketStore {
	return &RedisBucketStore{client: client, now: time.Now}
}

// Allow increments the shared window for key.
func (s *RedisBucketStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error) {
	raw, err := fixedWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis window increment: %w", err)
	}
	count, ttl, err := parseWindowReply(raw)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return models.NewResult(count, limit, now.Add(ttl), now), nil
}

func parseWindowReply(raw any) (int, time.Duration, error) {
	values, ok := raw.([]any)
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected window script reply %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected window count %T", values[0])
	}
	ttl, ok := values[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected window ttl %T", values[1])
	}
	return int(count), time.Duration(ttl) * time.Millisecond, nil
}
