package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/micspool/micspool/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.
// Useful when several recorders report into one shared database; single
// hosts normally stay on the SQLite backend.

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS upload_task(
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			source TEXT NOT NULL UNIQUE,
			key TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_upload_task_status ON upload_task(status);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Upsert(ctx context.Context, t store.Task) error {
	t.UpdatedAt = time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	var lastErr sql.NullString
	if t.LastError != "" {
		lastErr = sql.NullString{String: t.LastError, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO upload_task(id, source, key, status, attempts, last_error, created_at, updated_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(source) DO UPDATE SET
			id=excluded.id,
			key=excluded.key,
			status=excluded.status,
			attempts=excluded.attempts,
			last_error=excluded.last_error,
			updated_at=excluded.updated_at;`,
		t.ID, t.Source, t.Key, string(t.Status), t.Attempts, lastErr, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *DB) GetBySource(ctx context.Context, source string) (store.Task, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, source, key, status, attempts, last_error, created_at, updated_at
		FROM upload_task WHERE source=$1;`, source)
	var t store.Task
	var status string
	var lastErr sql.NullString
	err := row.Scan(&t.ID, &t.Source, &t.Key, &status, &t.Attempts, &lastErr, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, store.ErrNotFound
	}
	if err != nil {
		return store.Task{}, err
	}
	t.Status = store.Status(status)
	t.LastError = lastErr.String
	return t, nil
}

func (p *DB) ListByStatus(ctx context.Context, status store.Status) ([]store.Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, source, key, status, attempts, last_error, created_at, updated_at
		FROM upload_task
		WHERE status=$1
		ORDER BY created_at ASC, seq ASC;`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Task, 0)
	for rows.Next() {
		var t store.Task
		var st string
		var lastErr sql.NullString
		if err := rows.Scan(&t.ID, &t.Source, &t.Key, &st, &t.Attempts, &lastErr, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = store.Status(st)
		t.LastError = lastErr.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *DB) Delete(ctx context.Context, source string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM upload_task WHERE source=$1;`, source)
	return err
}
