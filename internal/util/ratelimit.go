package util

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter implements a token-bucket rate limiter. The bucket holds up to
// rate tokens, starts full, and refills continuously at rate/period.
type RateLimiter struct {
	limiter *rate.Limiter
	rate    int
	period  time.Duration
}

// NewTokenBucket creates a RateLimiter allowing n operations per period.
// Non-positive arguments produce a limiter that never blocks.
func NewTokenBucket(n int, period time.Duration) *RateLimiter {
	if n <= 0 || period <= 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	every := period / time.Duration(n)
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(every), n),
		rate:    n,
		period:  period,
	}
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewTokenBucket(perMinute, time.Minute)
}

// Wait blocks until a token is available and consumes it, or returns the
// context's error. The wait is the exact time until the next token, not a
// polling interval.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// Available returns the number of whole tokens currently in the bucket.
func (rl *RateLimiter) Available() int {
	return int(rl.limiter.Tokens())
}
