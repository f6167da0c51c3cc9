package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Cooldown: time.Minute})
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }

	for i := 0; i < 3; i++ {
		if err := b.Do(context.Background(), fail); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Do(context.Background(), fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("open breaker should reject, got %v", err)
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Cooldown: 10 * time.Millisecond})
	clock := time.Now()
	b.now = func() time.Time { return clock }

	_ = b.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	if b.State() != Open {
		t.Fatal("breaker should be open")
	}

	clock = clock.Add(20 * time.Millisecond)
	if b.State() != HalfOpen {
		t.Fatal("breaker should be half-open after cooldown")
	}

	// Successful probe closes the breaker.
	if err := b.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != Closed {
		t.Fatalf("state = %v, want closed after probe success", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Cooldown: 10 * time.Millisecond})
	clock := time.Now()
	b.now = func() time.Time { return clock }

	_ = b.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	clock = clock.Add(20 * time.Millisecond)

	_ = b.Do(context.Background(), func(context.Context) error { return errors.New("still down") })
	if b.State() != Open {
		t.Fatalf("state = %v, want re-opened", b.State())
	}
}

func TestLimiterNilIsNoop(t *testing.T) {
	var l *Limiter
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("nil limiter wait: %v", err)
	}
	if !l.Allow() {
		t.Fatal("nil limiter should allow")
	}
}

func TestLimiterBurst(t *testing.T) {
	l := NewLimiter(1, 2)
	if !l.Allow() || !l.Allow() {
		t.Fatal("burst of 2 should allow two immediate calls")
	}
	if l.Allow() {
		t.Fatal("third immediate call should be throttled")
	}
}
