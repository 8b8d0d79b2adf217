// Package redis holds the relay's Redis-backed coordination: the recurring
// runner's leader lock and the per-project submit rate limiter.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRateLimitPrefix namespaces rate limiter keys.
const DefaultRateLimitPrefix = "relay:ratelimit:"

// RateLimiter allows or denies requests using a sliding-window count in Redis.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// LimiterOption configures the sliding-window limiter.
type LimiterOption func(*slidingWindowLimiter)

// WithKeyPrefix overrides DefaultRateLimitPrefix.
func WithKeyPrefix(prefix string) LimiterOption {
	return func(r *slidingWindowLimiter) { r.prefix = prefix }
}

// WithLimiterClock injects the time source used for window scores.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(r *slidingWindowLimiter) { r.now = now }
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter.
// limit is the maximum number of events allowed per window for a given key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration, opts ...LimiterOption) RateLimiter {
	r := &slidingWindowLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: DefaultRateLimitPrefix,
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow returns true when the request is within the allowed rate, false when
// it should be rejected. A sorted set holds one member per event scored by
// its timestamp; rejected events are counted too, so a client hammering the
// endpoint stays limited.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := r.prefix + key

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	// Members must be unique even when two events share a timestamp.
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10) + "-" + uuid.NewString()})
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limiter pipeline for %q: %w", key, err)
	}

	return countCmd.Val() <= int64(r.limit), nil
}
