// Package common holds small helpers shared by the API and worker processes.
package common

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter throttles background work, such as re-enqueueing orphaned
// scans, so a large backlog cannot flood the job queue in one sweep.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a RateLimiter allowing rps events per second with
// the given burst. A non-positive rps disables throttling.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until the limiter permits an event or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := rl.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	return nil
}

// Allow reports whether an event may happen now without waiting.
func (rl *RateLimiter) Allow() bool { return rl.limiter.Allow() }

// UpdateLimits adjusts the rate and burst at runtime.
func (rl *RateLimiter) UpdateLimits(rps float64, burst int) {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	rl.limiter.SetLimit(limit)
	rl.limiter.SetBurst(burst)
}
