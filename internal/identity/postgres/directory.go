// Package postgres resolves usernames against the users table.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pass-dev/pass-server/internal/identity"
	"github.com/pass-dev/pass-server/internal/submission"
)

var ErrInvalidConfig = errors.New("identity/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	regnum TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'student',

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT users_role_label CHECK (role IN ('student','staff','admin'))
);
`

// Directory looks up registered users. Unknown usernames are simply
// absent from the result, matching identity.Directory.
type Directory struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Directory, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Directory{pool: pool}, nil
}

func (d *Directory) EnsureSchema(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return fmt.Errorf("%w: nil directory", ErrInvalidConfig)
	}
	if _, err := d.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("identity/postgres: ensure schema: %w", err)
	}
	return nil
}

func (d *Directory) Lookup(ctx context.Context, usernames []string) (map[string]submission.Participant, error) {
	if d == nil || d.pool == nil {
		return nil, fmt.Errorf("%w: nil directory", ErrInvalidConfig)
	}
	out := make(map[string]submission.Participant, len(usernames))
	if len(usernames) == 0 {
		return out, nil
	}

	rows, err := d.pool.Query(ctx, `
		SELECT id, username, regnum
		FROM users
		WHERE username = ANY($1)
	`, usernames)
	if err != nil {
		return nil, fmt.Errorf("identity/postgres: lookup: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p submission.Participant
		if err := rows.Scan(&p.UserID, &p.Username, &p.RegNum); err != nil {
			return nil, fmt.Errorf("identity/postgres: scan user: %w", err)
		}
		out[p.Username] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity/postgres: lookup rows: %w", err)
	}
	return out, nil
}

var _ identity.Directory = (*Directory)(nil)
