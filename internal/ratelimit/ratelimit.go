// Package ratelimit provides a coarse fixed-window limiter for
// high-value actions such as checkout, keyed by organization.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// New creates a limiter allowing limit attempts per window per key.
func New(client *redis.Client, prefix string, limit int64, window time.Duration) *Limiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &Limiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow consumes one attempt for key and reports whether it was within
// the window's budget. The counter key expires with the window, so a
// quiet key costs nothing.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := l.prefix + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, fmt.Errorf("increment rate limit: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return false, fmt.Errorf("set rate limit window: %w", err)
		}
	}
	return count <= l.limit, nil
}

// Remaining reports how many attempts key has left in the current
// window.
func (l *Limiter) Remaining(ctx context.Context, key string) (int64, error) {
	count, err := l.client.Get(ctx, l.prefix+key).Int64()
	if err == redis.Nil {
		return l.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate limit: %w", err)
	}
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
