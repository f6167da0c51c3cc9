// Package session persists configurator sessions: a Redis hot cache
// with TTL, a per-session mutation lock, and a Postgres archive for
// terminal sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/torchline/configurator/engine/domain"
)

// DefaultTTL is the hot-cache lifetime reset on every mutation.
const DefaultTTL = time.Hour

// Store is the Redis-backed hot cache.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the session TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// NewStore wraps an established Redis client.
func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: "session:", ttl: DefaultTTL}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) key(id string) string { return s.prefix + id }

// Put serializes the full session snapshot and resets its TTL.
func (s *Store) Put(ctx context.Context, state *domain.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", state.SessionID, err)
	}
	if err := s.client.Set(ctx, s.key(state.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: put %s: %w", state.SessionID, err)
	}
	return nil
}

// Create stores a fresh session; it is Put under another name to keep
// call sites explicit about lifecycle.
func (s *Store) Create(ctx context.Context, state *domain.SessionState) error {
	return s.Put(ctx, state)
}

// Get loads a session. A missing or expired key yields
// domain.ErrSessionExpired.
func (s *Store) Get(ctx context.Context, id string) (*domain.SessionState, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session: get %s: %w", id, domain.ErrSessionExpired)
		}
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	var state domain.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("session: unmarshal %s: %w", id, err)
	}
	return &state, nil
}

// Reset deletes a session. Deleting a missing session is a no-op, so
// reset is idempotent.
func (s *Store) Reset(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("session: reset %s: %w", id, err)
	}
	return nil
}

// Touch resets the TTL without rewriting the payload.
func (s *Store) Touch(ctx context.Context, id string) error {
	if err := s.client.Expire(ctx, s.key(id), s.ttl).Err(); err != nil {
		return fmt.Errorf("session: touch %s: %w", id, err)
	}
	return nil
}
