// SPDX-License-Identifier: MIT

// Package ratelimit bounds the switch rate per session. The counter lives
// in Redis so the limit holds across instances, not per process.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tempoforge/turnsync/internal/metrics"
)

// SwitchLimiter enforces a fixed-window per-session cap on switch
// operations. Every instance increments the same windowed key, so a
// client cannot multiply its budget by spreading requests.
type SwitchLimiter struct {
	client *redis.Client
	prefix string
	// limit is the number of switches admitted per window.
	limit  int64
	window time.Duration
}

// NewSwitchLimiter builds a limiter admitting limit switches per window
// for each session.
func NewSwitchLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *SwitchLimiter {
	return &SwitchLimiter{
		client: client,
		prefix: prefix,
		limit:  int64(limit),
		window: window,
	}
}

// Allow reports whether the session may switch now. On rejection it also
// returns the time until the current window resets, for Retry-After.
func (l *SwitchLimiter) Allow(ctx context.Context, sessionID string) (bool, time.Duration, error) {
	key := fmt.Sprintf("%sratelimit:switch:%s:%d", l.prefix, sessionID, time.Now().UnixNano()/int64(l.window))

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count == 1 {
		// First hit in the window; bound the key's lifetime.
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}
	if count > l.limit {
		metrics.IncRateLimitRejection("switch")
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = l.window
		}
		return false, ttl, nil
	}
	return true, 0, nil
}
