package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another turn holds the session lock.
var ErrLockHeld = errors.New("session lock held")

// Locker serializes turns per session id with a Redis SET NX lease.
// Distinct sessions proceed fully in parallel.
type Locker struct {
	client *redis.Client
	prefix string
}

// NewLocker creates a Locker.
func NewLocker(client *redis.Client, prefix string) *Locker {
	if prefix == "" {
		prefix = "lock:session:"
	}
	return &Locker{client: client, prefix: prefix}
}

// Unlock releases a held lock.
type Unlock func(ctx context.Context) error

// unlockScript releases only the caller's own lease.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

// Acquire takes the lock for id, waiting up to the context deadline.
// The lease expires after ttl in case the holder dies mid-turn.
func (l *Locker) Acquire(ctx context.Context, id string, ttl time.Duration) (Unlock, error) {
	key := l.prefix + id
	token := ulid.Make().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("session: lock %s: %w", id, err)
		}
		if ok {
			return func(ctx context.Context) error {
				return unlockScript.Run(ctx, l.client, []string{key}, token).Err()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session: lock %s: %w", id, ErrLockHeld)
		case <-time.After(25 * time.Millisecond):
		}
	}
}
