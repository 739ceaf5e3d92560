// Package ratelimit implements a fixed-window rate limiter over the shared
// store. Window boundaries can admit short bursts; counting stays O(1) per
// message regardless of connection count.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Limiter counts actions per actor within a fixed time bucket. The counter's
// expiry is set only on its first increment in a window, so the window rolls
// over atomically when the key expires.
type Limiter struct {
	client redisClient
	logger zerolog.Logger
}

// NewLimiter is the constructor for the shared-store limiter.
func NewLimiter(client redisClient, logger zerolog.Logger) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &Limiter{
		client: client,
		logger: logger.With().Str("component", "RateLimiter").Logger(),
	}, nil
}

// CheckAndIncrement atomically increments the counter for key and returns the
// post-increment value for the caller to compare against its limit.
//
// If the shared store is unreachable the limiter fails open: it logs the fault
// and returns (0, err) so the caller can admit the action. A cache outage must
// never block legitimate traffic.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("Shared store unreachable, failing open.")
		return 0, err
	}

	// First increment in this window owns setting the expiry.
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			l.logger.Error().Err(err).Str("key", key).Msg("Failed to set window expiry on counter.")
		}
	}

	return count, nil
}
