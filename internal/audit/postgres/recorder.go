package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pass-dev/pass-server/internal/audit"
)

var ErrInvalidConfig = errors.New("audit/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS action_recorder (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT,
	request_id TEXT,
	action TEXT NOT NULL,
	comments TEXT,
	significant BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS action_recorder_action_idx ON action_recorder (action);
`

// Recorder appends action entries to the action_recorder table.
// Insert failures are logged and swallowed so the recorder can never
// fail an intake or requeue request.
type Recorder struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func New(pool *pgxpool.Pool, log *slog.Logger) (*Recorder, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{pool: pool, log: log}, nil
}

func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("%w: nil recorder", ErrInvalidConfig)
	}
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("audit/postgres: ensure schema: %w", err)
	}
	return nil
}

func (r *Recorder) Record(ctx context.Context, e audit.Entry) {
	if r == nil || r.pool == nil {
		return
	}
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO action_recorder (user_id, request_id, action, comments, significant, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.UserID, e.RequestID, e.Action, e.Comments, e.Significant, at)
	if err != nil {
		r.log.Warn("action recorder insert failed", "action", e.Action, "err", err)
	}
}

var _ audit.Recorder = (*Recorder)(nil)
