// Package micspool is an unattended microphone recording agent. It captures
// bounded audio sessions during a configured daily window, spools them as
// WAV files, uploads them to S3-compatible object storage, and deletes local
// files only after the upload is verified.
package micspool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/micspool/micspool/internal/capture"
	"github.com/micspool/micspool/internal/config"
	"github.com/micspool/micspool/internal/janitor"
	"github.com/micspool/micspool/internal/lockfile"
	"github.com/micspool/micspool/internal/logger"
	"github.com/micspool/micspool/internal/metrics"
	"github.com/micspool/micspool/internal/scheduler"
	"github.com/micspool/micspool/internal/server"
	"github.com/micspool/micspool/internal/store"
	"github.com/micspool/micspool/internal/store/factory"
	"github.com/micspool/micspool/internal/uploader"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Config = config.Config

type Task = store.Task

type Snapshot = scheduler.Snapshot

// ErrHeld means another agent instance owns the lock file. Treated as a
// clean loss, not a failure.
var ErrHeld = lockfile.ErrHeld

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// DefaultConfig builds a runnable config from defaults and the environment.
func DefaultConfig() *Config { return config.Default() }

// Agent wires the capture scheduler, upload pipeline, janitor, and status
// server into one runnable unit.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	db       store.Store
	remote   *uploader.S3Store
	pipeline *uploader.Pipeline
	janitor  *janitor.Janitor
	sched    *scheduler.Scheduler
}

// New builds an Agent from cfg. The audio device is not touched until Run.
func New(cfg *config.Config) (*Agent, error) {
	log := logger.New("micspool", cfg.Log)
	_ = metrics.Register(prometheus.DefaultRegisterer)

	if err := os.MkdirAll(cfg.Spool.Dir, 0o750); err != nil {
		return nil, err
	}
	db, err := factory.NewFromDSN(cfg.Spool.DSN)
	if err != nil {
		return nil, err
	}
	remote, err := uploader.NewS3Store(cfg.S3())
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	pipe := uploader.NewPipeline(remote, db, cfg.UploadOptions(), log)
	jan := janitor.New(cfg.Spool.Dir, cfg.Storage.KeyPrefix, db, remote, log)

	rate := cfg.Audio.SampleRate
	if rate == 0 {
		info, err := capture.Probe()
		if err != nil {
			log.Warn("device probe failed, assuming 44100 Hz", "error", err)
			rate = 44100
		} else {
			rate = info.DefaultSampleRate
			log.Info("using device default sample rate", "device", info.Name, "rate", rate)
		}
	}
	rec := capture.New(capture.NewPortAudioDevice(), cfg.Format(rate), cfg.Audio.ChunkFrames, log)

	sched := scheduler.New(scheduler.Config{
		Window:          cfg.Window,
		SessionDuration: cfg.Session.Duration,
		PollInterval:    cfg.PollInterval,
		SpoolDir:        cfg.Spool.Dir,
		FilePrefix:      cfg.Session.FilePrefix,
		KeyPrefix:       cfg.Storage.KeyPrefix,
		RunMode:         cfg.RunMode,
	}, rec, pipe, jan, log)

	return &Agent{
		cfg:      cfg,
		logger:   log,
		db:       db,
		remote:   remote,
		pipeline: pipe,
		janitor:  jan,
		sched:    sched,
	}, nil
}

// Run executes the agent until ctx is cancelled, the window closes in daily
// mode, or a configuration error makes further uploads pointless. It returns
// ErrHeld when another instance already holds the lock.
func (a *Agent) Run(ctx context.Context) error {
	lock, err := lockfile.Acquire(a.cfg.LockFile)
	if err != nil {
		if errors.Is(err, lockfile.ErrHeld) {
			a.logger.Info("another instance is running, exiting", "lock_file", a.cfg.LockFile)
		}
		return err
	}
	defer func() { _ = lock.Release() }()
	defer func() { _ = a.db.Close() }()

	// An absent device at startup is a deployment problem, not a transient
	// one; mid-session losses are retried inside the loop instead.
	if _, err := capture.Probe(); err != nil {
		return fmt.Errorf("no usable input device: %w", err)
	}

	if err := a.db.EnsureSchema(ctx); err != nil {
		return err
	}

	// Fail fast on credential or bucket problems; tolerate a network that
	// is merely down right now, the pipeline retries per task.
	if err := a.remote.Ensure(ctx); err != nil {
		if uploader.IsConfig(err) {
			return err
		}
		a.logger.Warn("object storage unreachable at startup, continuing", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cfgErrOnce sync.Once
	var cfgErr error
	a.pipeline.OnConfigError(func(err error) {
		cfgErrOnce.Do(func() {
			cfgErr = err
			cancel()
		})
	})
	a.pipeline.OnUploaded(func(t store.Task) {
		a.janitor.Reclaim(runCtx, t)
	})
	a.pipeline.Start(runCtx)

	orphans, err := a.janitor.SweepStartup(runCtx, a.cfg.Session.FilePrefix)
	if err != nil {
		a.logger.Warn("startup sweep incomplete", "error", err)
	}
	for _, t := range orphans {
		if err := a.pipeline.Submit(runCtx, t); err != nil {
			a.logger.Error("re-queue of orphan failed", "source", t.Source, "error", err)
		}
	}

	var srv *http.Server
	if a.cfg.Server.Enabled {
		srv = server.NewServer(a.cfg.Server.Listen, "", a)
		a.logger.Info("status server listening", "addr", a.cfg.Server.Listen)
	}

	runErr := a.sched.Run(runCtx)

	cancel()
	a.pipeline.Wait()
	if srv != nil {
		_ = srv.Close()
	}

	if cfgErr != nil {
		return cfgErr
	}
	return runErr
}

// Snapshot implements server.StatusProvider.
func (a *Agent) Snapshot() scheduler.Snapshot { return a.sched.Snapshot() }

// QueueDepth implements server.StatusProvider.
func (a *Agent) QueueDepth() int { return a.pipeline.Depth() }

// Tasks implements server.StatusProvider: everything still owed to the
// remote, oldest first per status.
func (a *Agent) Tasks(ctx context.Context) ([]store.Task, error) {
	var out []store.Task
	for _, st := range []store.Status{store.StatusPending, store.StatusUploading, store.StatusAbandoned} {
		tasks, err := a.db.ListByStatus(ctx, st)
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}
