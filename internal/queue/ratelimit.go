package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimiter caps chat requests per account in fixed hourly windows. It is
// independent of the token quota.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

// Allow counts one request. A non-positive limit disables the check.
func (r *RateLimiter) Allow(ctx context.Context, accountID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	if r == nil || r.limit <= 0 {
		return true, 0, windowEnd, nil
	}
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("tutor:ratelimit:%s:%s", accountID, windowStart.Format("2006010215"))
	res, err := incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return res <= r.limit, res, windowEnd, nil
}

func (r *RateLimiter) Limit() int64 {
	if r == nil {
		return 0
	}
	return r.limit
}

// RequestDeduplicator remembers client idempotency keys so a retried request
// cannot reach the provider twice.
type RequestDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRequestDeduplicator(rdb *redis.Client, ttl time.Duration) *RequestDeduplicator {
	return &RequestDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether this is the first use of key by the account
// within the ttl.
func (d *RequestDeduplicator) MarkFirst(ctx context.Context, accountID, key string) (bool, error) {
	rk := fmt.Sprintf("tutor:idem:%s:%s", accountID, key)
	ok, err := d.redis.SetNX(ctx, rk, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// Forget drops a key so the client may retry after a failure that spent
// nothing.
func (d *RequestDeduplicator) Forget(ctx context.Context, accountID, key string) error {
	rk := fmt.Sprintf("tutor:idem:%s:%s", accountID, key)
	if err := d.redis.Del(ctx, rk).Err(); err != nil {
		return fmt.Errorf("dedupe del: %w", err)
	}
	return nil
}
