// Package retry provides bounded retries with jittered exponential
// backoff for the configurator's outbound calls.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Opts configures Do.
type Opts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
}

// Defaults keeps retries short enough to fit inside a turn deadline.
var Defaults = Opts{
	MaxAttempts: 2,
	InitialWait: 200 * time.Millisecond,
	MaxWait:     2 * time.Second,
	Jitter:      true,
}

// Do invokes f up to MaxAttempts times, backing off between attempts.
// Context cancellation wins over the remaining attempts.
func Do[T any](ctx context.Context, opts Opts, f func(context.Context) (T, error)) (T, error) {
	var (
		out  T
		err  error
		wait = opts.InitialWait
	)
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		out, err = f(ctx)
		if err == nil {
			return out, nil
		}
		if attempt == opts.MaxAttempts-1 {
			break
		}
		sleep := wait
		if opts.Jitter {
			sleep = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if opts.MaxWait > 0 && sleep > opts.MaxWait {
			sleep = opts.MaxWait
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(sleep):
		}
		wait *= 2
		if opts.MaxWait > 0 && wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return out, err
}
