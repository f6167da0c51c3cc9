// Package resilience guards the configurator's outbound ports with a
// circuit breaker and a rate limiter.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerOpts configures a Breaker.
type BreakerOpts struct {
	FailThreshold int           // consecutive failures that trip the breaker
	Cooldown      time.Duration // open duration before a probe is allowed
}

// DefaultBreakerOpts suits the LLM and graph ports.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Cooldown:      30 * time.Second,
}

// Breaker is a consecutive-failure circuit breaker with a single probe
// in half-open state.
type Breaker struct {
	mu       sync.Mutex
	opts     BreakerOpts
	state    State
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// NewBreaker creates a breaker; zero-valued options take defaults.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultBreakerOpts.Cooldown
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current state, applying the open→half-open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tick()
}

func (b *Breaker) tick() State {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.opts.Cooldown {
		b.state = HalfOpen
		b.probing = false
	}
	return b.state
}

// Do runs f through the breaker.
func (b *Breaker) Do(ctx context.Context, f func(context.Context) error) error {
	b.mu.Lock()
	switch b.tick() {
	case Open:
		b.mu.Unlock()
		return ErrOpen
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := f(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.state == HalfOpen || b.failures >= b.opts.FailThreshold {
			b.state = Open
			b.openedAt = b.now()
		}
		return err
	}
	b.state = Closed
	b.failures = 0
	b.probing = false
	return nil
}
