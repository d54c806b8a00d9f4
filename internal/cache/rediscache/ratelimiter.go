package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter: one key per subject per minute.
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(opts Options) *RateLimiter {
	return &RateLimiter{c: newClient(opts)}
}

// Allow increments the counter and sets its TTL in one transaction.
// Returns (allowed, currentCount).
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}

// MinuteKey buckets a subject into the current minute window.
func MinuteKey(scope, subject string, now time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%s", scope, subject, now.UTC().Format("200601021504"))
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
