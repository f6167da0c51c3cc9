package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/torchline/configurator/engine/domain"
)

// Archive writes terminal session snapshots to Postgres. Writes are
// idempotent by session id; the orchestrator treats them as best-effort.
type Archive struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

// NewArchive opens a Postgres connection via the pgx stdlib driver.
func NewArchive(dsn string) (*Archive, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return &Archive{db: db}, nil
}

// NewArchiveFromDB wraps an existing handle, used in tests.
func NewArchiveFromDB(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// Close releases the connection pool.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS archived_sessions (
    session_id       TEXT PRIMARY KEY,
    created_at       TIMESTAMPTZ NOT NULL,
    completed_at     TIMESTAMPTZ NOT NULL,
    duration_seconds BIGINT NOT NULL,
    final_state      TEXT NOT NULL,
    finalized        BOOLEAN NOT NULL,
    real_components  INT NOT NULL,
    total_messages   INT NOT NULL,
    had_errors       BOOLEAN NOT NULL,
    language_tag     TEXT NOT NULL,
    snapshot         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS archived_sessions_completed_at_idx
    ON archived_sessions (completed_at);`

func (a *Archive) ensureSchema(ctx context.Context) error {
	a.schemaOnce.Do(func() {
		_, a.schemaErr = a.db.ExecContext(ctx, archiveSchema)
	})
	return a.schemaErr
}

// Put archives a terminal session snapshot. A replayed archive for the
// same id overwrites the previous row.
func (a *Archive) Put(ctx context.Context, state *domain.SessionState) error {
	if err := a.ensureSchema(ctx); err != nil {
		return fmt.Errorf("archive: schema: %w", err)
	}
	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("archive: marshal %s: %w", state.SessionID, err)
	}
	completed := time.Now().UTC()
	duration := int64(completed.Sub(state.CreatedAt).Seconds())
	if duration < 0 {
		duration = 0
	}

	_, err = a.db.ExecContext(ctx, `
INSERT INTO archived_sessions
    (session_id, created_at, completed_at, duration_seconds, final_state,
     finalized, real_components, total_messages, had_errors, language_tag, snapshot)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (session_id) DO UPDATE SET
    completed_at = EXCLUDED.completed_at,
    duration_seconds = EXCLUDED.duration_seconds,
    final_state = EXCLUDED.final_state,
    finalized = EXCLUDED.finalized,
    real_components = EXCLUDED.real_components,
    total_messages = EXCLUDED.total_messages,
    had_errors = EXCLUDED.had_errors,
    snapshot = EXCLUDED.snapshot`,
		state.SessionID,
		state.CreatedAt.UTC(),
		completed,
		duration,
		string(state.CurrentState),
		state.Completed,
		state.Cart.RealCount(),
		len(state.Log),
		state.TurnErrors > 0,
		state.Language,
		snapshot,
	)
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", state.SessionID, err)
	}
	return nil
}

// Ping reports archive reachability for the health endpoint.
func (a *Archive) Ping(ctx context.Context) error {
	if a == nil || a.db == nil {
		return fmt.Errorf("archive: not configured")
	}
	return a.db.PingContext(ctx)
}
