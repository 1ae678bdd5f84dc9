package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pass-dev/pass-server/internal/submission"
)

var ErrInvalidConfig = errors.New("submission/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("submission/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, rec submission.Record, participants []submission.Participant) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	status := rec.Status
	if status == submission.StatusUnknown {
		status = submission.StatusUploaded
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("submission/postgres: begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO submissions (course, assignment, upload_time, token, status, uploaded_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, rec.Course, rec.Assignment, rec.UploadTime, rec.Token, status.String(), rec.UploadedBy).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("submission/postgres: insert: %w", err)
	}

	for _, p := range participants {
		if _, err := tx.Exec(ctx, `
			INSERT INTO projectgroup (submission_id, user_id)
			VALUES ($1,$2)
			ON CONFLICT DO NOTHING
		`, id, p.UserID); err != nil {
			return 0, fmt.Errorf("submission/postgres: insert projectgroup: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("submission/postgres: commit insert tx: %w", err)
	}
	return id, nil
}

const recordColumns = "id, course, assignment, upload_time, token, status, exit_code, uploaded_by"

func (s *Store) Get(ctx context.Context, id int64) (submission.Record, error) {
	if s == nil || s.pool == nil {
		return submission.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM submissions
		WHERE id = $1
	`, id)
	return scanRecord(row)
}

func (s *Store) GetByIdentity(ctx context.Context, identity submission.Identity) (submission.Record, error) {
	if s == nil || s.pool == nil {
		return submission.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM submissions
		WHERE upload_time = $1 AND token = $2
	`, identity.UploadTime, identity.Token)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (submission.Record, error) {
	var (
		rec      submission.Record
		status   string
		exitCode *int32
	)
	err := row.Scan(&rec.ID, &rec.Course, &rec.Assignment, &rec.UploadTime, &rec.Token, &status, &exitCode, &rec.UploadedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return submission.Record{}, submission.ErrNotFound
		}
		return submission.Record{}, fmt.Errorf("submission/postgres: scan: %w", err)
	}
	rec.Status, err = submission.ParseStatus(status)
	if err != nil {
		return submission.Record{}, fmt.Errorf("submission/postgres: %w", err)
	}
	if exitCode != nil {
		code := int(*exitCode)
		rec.ExitCode = &code
	}
	return rec, nil
}

func (s *Store) Participants(ctx context.Context, id int64) ([]submission.Participant, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT user_id
		FROM projectgroup
		WHERE submission_id = $1
		ORDER BY user_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("submission/postgres: participants: %w", err)
	}
	defer rows.Close()

	var out []submission.Participant
	for rows.Next() {
		var p submission.Participant
		if err := rows.Scan(&p.UserID); err != nil {
			return nil, fmt.Errorf("submission/postgres: scan participant: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("submission/postgres: participants rows: %w", err)
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, f submission.Filter) ([]submission.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Course != "" {
		where = append(where, "course = "+arg(f.Course))
	}
	if f.Assignment != "" {
		where = append(where, "assignment = "+arg(f.Assignment))
	}
	if f.UploadedBy != 0 {
		where = append(where, "uploaded_by = "+arg(f.UploadedBy))
	}
	if f.ExitCode != nil {
		where = append(where, "exit_code = "+arg(*f.ExitCode))
	}
	if len(f.Statuses) > 0 {
		labels := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			labels = append(labels, st.String())
		}
		where = append(where, "status = ANY("+arg(labels)+")")
	}

	sql := "SELECT " + recordColumns + " FROM submissions"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY id DESC"
	if f.Limit > 0 {
		sql += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		sql += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("submission/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []submission.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("submission/postgres: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, status submission.Status, exitCode *int) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	if exitCode != nil {
		tag, err = s.pool.Exec(ctx, `
			UPDATE submissions
			SET status = $2, exit_code = $3, updated_at = now()
			WHERE id = $1
		`, id, status.String(), *exitCode)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE submissions
			SET status = $2, updated_at = now()
			WHERE id = $1
		`, id, status.String())
	}
	if err != nil {
		return fmt.Errorf("submission/postgres: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return submission.ErrNotFound
	}
	return nil
}

func (s *Store) ResetToQueued(ctx context.Context, id int64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	// Conditional update closes the race against a worker that has
	// just claimed the row.
	tag, err := s.pool.Exec(ctx, `
		UPDATE submissions
		SET status = 'queued', exit_code = NULL, updated_at = now()
		WHERE id = $1 AND status <> 'processing'
	`, id)
	if err != nil {
		return fmt.Errorf("submission/postgres: reset to queued: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return submission.ErrProcessing
}

func (s *Store) Delete(ctx context.Context, ids []int64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("submission/postgres: begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM projectgroup WHERE submission_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("submission/postgres: delete projectgroup: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM submissions WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("submission/postgres: delete submissions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("submission/postgres: commit delete tx: %w", err)
	}
	return nil
}

func (s *Store) QueuePositions(ctx context.Context) (map[int64]int, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM submissions
		WHERE status = 'queued'
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("submission/postgres: queue positions: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	idx := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("submission/postgres: scan queue position: %w", err)
		}
		idx++
		out[id] = idx
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("submission/postgres: queue position rows: %w", err)
	}
	return out, nil
}

var _ submission.Store = (*Store)(nil)
