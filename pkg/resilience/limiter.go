package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter wraps a token bucket for outbound call pacing.
type Limiter struct {
	l *rate.Limiter
}

// NewLimiter allows n calls per second with the given burst.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.l.Wait(ctx)
}

// Allow reports whether a call may proceed right now.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.l.Allow()
}
