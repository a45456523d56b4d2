package sources

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// maxQueuedCalls bounds how many spacing intervals a caller may wait
const maxQueuedCalls = 10

// RateLimiter enforces a minimum spacing between any two upstream calls
type RateLimiter struct {
	limiter     *rate.Limiter
	minInterval time.Duration
}

// NewRateLimiter creates a limiter allowing one call per minInterval. Zero disables spacing.
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &RateLimiter{
		limiter:     rate.NewLimiter(limit, 1),
		minInterval: minInterval,
	}
}

// Wait blocks until the next call may proceed. The wait is bounded; a caller
// queued behind too many others gets ErrRateLimited instead of blocking.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.minInterval <= 0 {
		return ctx.Err()
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.minInterval*maxQueuedCalls)
	defer cancel()

	if err := r.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: local spacing wait exceeded: %v", ErrRateLimited, err)
	}
	return nil
}

// MinInterval returns the configured spacing
func (r *RateLimiter) MinInterval() time.Duration {
	return r.minInterval
}
