package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kursadbilgin/backfill-engine/internal/ratelimit"
)

const (
	keyPrefix = "backfill:ratelimit"
	window    = time.Second
	// minRetryIn keeps a caller at a window edge from spinning.
	minRetryIn = 5 * time.Millisecond
)

// countScript counts one call in KEYS[1] and returns the window's total.
var countScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a fixed one-second window limiter shared by every
// worker pointed at the same Redis. Rejected callers wait for the next window
// rather than polling.
type RedisRateLimiter struct {
	client      goredis.Scripter
	limitPerSec int64
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, limitPerSec int) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return newRedisRateLimiter(client, int64(limitPerSec), time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client goredis.Scripter,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		return nil, fmt.Errorf("rate limit must be positive (got %d)", limitPerSec)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:      client,
		limitPerSec: limitPerSec,
		now:         nowFn,
		sleep:       sleepFn,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	retryIn, err := r.reserve(ctx, key)
	if err != nil {
		return false, err
	}
	return retryIn == 0, nil
}

// Wait blocks until key is allowed or ctx is done.
func (r *RedisRateLimiter) Wait(ctx context.Context, key string) error {
	for {
		retryIn, err := r.reserve(ctx, key)
		if err != nil {
			return err
		}
		if retryIn == 0 {
			return nil
		}
		if err := r.sleep(ctx, retryIn); err != nil {
			return err
		}
	}
}

// reserve counts a call against key's current window. It returns zero when
// the call is allowed, otherwise how long until the next window opens.
func (r *RedisRateLimiter) reserve(ctx context.Context, key string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}

	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return 0, fmt.Errorf("rate limit key is required")
	}

	now := r.now().UTC()
	windowStart := now.Truncate(window)
	windowKey := fmt.Sprintf("%s:%s:%d", keyPrefix, normalized, windowStart.Unix())

	count, err := countScript.Run(ctx, r.client, []string{windowKey}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}
	if count <= r.limitPerSec {
		return 0, nil
	}

	return max(windowStart.Add(window).Sub(now), minRetryIn), nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
