package store

import (
	"context"
	"errors"
	"time"
)

// Status is the persisted state of one upload task.
// Transitions: pending -> uploading -> uploaded | abandoned.
// uploaded and abandoned are terminal within a single run; abandoned tasks
// are re-queued as pending by the startup recovery scan.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusAbandoned Status = "abandoned"
)

// ErrNotFound is returned when no task exists for the requested source path.
var ErrNotFound = errors.New("store: task not found")

// Task is the minimal unit of state we persist for one session file handoff.
// Source is the local file path and is unique: one file, one task.
type Task struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the task reached a terminal state.
func (t Task) Terminal() bool {
	return t.Status == StatusUploaded || t.Status == StatusAbandoned
}

// Store persists upload task state so crash-restart recovery does not depend
// on anything surviving in memory.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, t Task) error
	GetBySource(ctx context.Context, source string) (Task, error)
	ListByStatus(ctx context.Context, status Status) ([]Task, error)
	Delete(ctx context.Context, source string) error
	Close() error
}
