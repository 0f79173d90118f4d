package micspool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/micspool/micspool/internal/lockfile"
	"github.com/micspool/micspool/internal/scheduler"
	"github.com/micspool/micspool/internal/store"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	c := DefaultConfig()
	c.Spool.Dir = filepath.Join(dir, "spool")
	c.Spool.DSN = filepath.Join(dir, "tasks.db")
	c.LockFile = filepath.Join(dir, "agent.lock")
	c.Audio.SampleRate = 16000 // skip the device probe
	c.Storage.Bucket = "recordings"
	c.Storage.AccessKey = "AK"
	c.Storage.SecretKey = "SK"
	return c
}

func TestNewAgentWiresStatusProvider(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	defer func() { _ = a.db.Close() }()

	snap := a.Snapshot()
	if snap.State != scheduler.StateIdle {
		t.Fatalf("fresh agent state = %s", snap.State)
	}
	if a.QueueDepth() != 0 {
		t.Fatalf("fresh agent queue depth = %d", a.QueueDepth())
	}

	ctx := context.Background()
	if err := a.db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	tasks, err := a.Tasks(ctx)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("fresh agent tasks = %v", tasks)
	}

	now := time.Now()
	if err := a.db.Upsert(ctx, store.Task{
		ID: "t1", Source: "/spool/a.wav", Key: "k/a.wav",
		Status: store.StatusPending, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	tasks, err = a.Tasks(ctx)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != store.StatusPending {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestSecondInstanceLosesCleanly(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	defer func() { _ = a.db.Close() }()

	// Hold the lock the way a running instance would.
	lock, err := lockfile.Acquire(cfg.LockFile)
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	defer func() { _ = lock.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Run(ctx); !errors.Is(err, ErrHeld) {
		t.Fatalf("run = %v, want ErrHeld", err)
	}
}
