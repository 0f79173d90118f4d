package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/micspool/micspool/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS upload_task(
			id TEXT NOT NULL,
			source TEXT NOT NULL UNIQUE,
			key TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			last_error TEXT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_upload_task_status ON upload_task(status);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Upsert(ctx context.Context, t store.Task) error {
	t.UpdatedAt = time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	var lastErr sql.NullString
	if t.LastError != "" {
		lastErr = sql.NullString{String: t.LastError, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_task(id, source, key, status, attempts, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
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

func (s *DB) GetBySource(ctx context.Context, source string) (store.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source, key, status, attempts, last_error, created_at, updated_at
		FROM upload_task WHERE source=?;`, source)
	return scanTask(row)
}

func (s *DB) ListByStatus(ctx context.Context, status store.Status) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, key, status, attempts, last_error, created_at, updated_at
		FROM upload_task
		WHERE status=?
		ORDER BY created_at ASC, rowid ASC;`, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]store.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *DB) Delete(ctx context.Context, source string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_task WHERE source=?;`, source)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (store.Task, error) {
	var t store.Task
	var status string
	var lastErr sql.NullString
	err := r.Scan(&t.ID, &t.Source, &t.Key, &status, &t.Attempts, &lastErr, &t.CreatedAt, &t.UpdatedAt)
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
