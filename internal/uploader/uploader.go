package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/micspool/micspool/internal/metrics"
	"github.com/micspool/micspool/internal/store"
)

// ObjectStore is the remote side of the pipeline. Put returns the byte count
// the service acknowledged; Stat is the explicit existence check success
// verification relies on.
type ObjectStore interface {
	Put(ctx context.Context, key, path string) (int64, error)
	Stat(ctx context.Context, key string) (bool, error)
}

// ConfigError marks a failure no amount of retrying will fix: bad
// credentials, missing bucket, invalid key. It aborts the task immediately.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "storage configuration: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfig reports whether err is configuration-class.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Options bound the pipeline's retry behavior and parallelism.
type Options struct {
	Workers        int           // concurrent uploads; keep small on a constrained uplink
	MaxAttempts    int           // total attempts per task, including the first
	AttemptTimeout time.Duration // per-attempt network timeout
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	QueueSize      int
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 15 * time.Minute
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
}

// Pipeline moves completed session files to object storage. Tasks are
// processed FIFO by a bounded worker pool; each task's terminal state is
// persisted so a crash never loses track of a file.
type Pipeline struct {
	remote ObjectStore
	db     store.Store
	opts   Options
	logger *slog.Logger

	queue chan store.Task
	depth atomic.Int64
	wg    sync.WaitGroup

	onUploaded    func(store.Task)
	onConfigError func(error)
}

func NewPipeline(remote ObjectStore, db store.Store, opts Options, logger *slog.Logger) *Pipeline {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		remote: remote,
		db:     db,
		opts:   opts,
		logger: logger,
		queue:  make(chan store.Task, opts.QueueSize),
	}
}

// OnUploaded registers the janitor hook fired strictly after verified upload.
func (p *Pipeline) OnUploaded(fn func(store.Task)) { p.onUploaded = fn }

// OnConfigError registers the hook fired when a task hits a
// configuration-class failure. Set before Start.
func (p *Pipeline) OnConfigError(fn func(error)) { p.onConfigError = fn }

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (p *Pipeline) Wait() { p.wg.Wait() }

// Depth reports tasks queued or in flight.
func (p *Pipeline) Depth() int { return int(p.depth.Load()) }

// Submit persists the task as pending and enqueues it without blocking the
// caller. A full queue is not fatal: the task stays pending on disk and the
// next startup recovery scan re-queues it.
func (p *Pipeline) Submit(ctx context.Context, t store.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = store.StatusPending
	if err := p.db.Upsert(ctx, t); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	select {
	case p.queue <- t:
		p.depth.Add(1)
		metrics.SetQueueDepth(p.Depth())
		return nil
	default:
		p.logger.Warn("upload queue full, task deferred to recovery scan",
			"task", t.ID, "source", t.Source)
		return nil
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-p.queue:
			p.process(ctx, t)
			p.depth.Add(-1)
			metrics.SetQueueDepth(p.Depth())
		}
	}
}

func (p *Pipeline) process(ctx context.Context, t store.Task) {
	t.Status = store.StatusUploading
	if err := p.db.Upsert(ctx, t); err != nil {
		p.logger.Error("persist uploading state", "task", t.ID, "error", err)
	}

	var bytes int64
	op := func() error {
		t.Attempts++
		metrics.IncUploadAttempt()
		actx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
		defer cancel()

		n, err := p.remote.Put(actx, t.Key, t.Source)
		if err != nil {
			if IsConfig(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		// Trust the service's acknowledgment, not the write call.
		ok, err := p.remote.Stat(actx, t.Key)
		if err != nil {
			if IsConfig(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !ok {
			return fmt.Errorf("object %s not visible after put", t.Key)
		}
		bytes = n
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.BackoffInitial
	bo.MaxInterval = p.opts.BackoffMax
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.opts.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		t.LastError = err.Error()
		if uerr := p.db.Upsert(ctx, t); uerr != nil {
			p.logger.Error("persist attempt state", "task", t.ID, "error", uerr)
		}
		p.logger.Warn("upload attempt failed, backing off",
			"task", t.ID, "key", t.Key, "attempt", t.Attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		t.Status = store.StatusUploaded
		t.LastError = ""
		if uerr := p.db.Upsert(ctx, t); uerr != nil {
			p.logger.Error("persist uploaded state", "task", t.ID, "error", uerr)
		}
		metrics.IncUploadResult("uploaded")
		metrics.AddUploadedBytes(bytes)
		p.logger.Info("upload verified", "task", t.ID, "key", t.Key, "bytes", bytes, "attempts", t.Attempts)
		if p.onUploaded != nil {
			p.onUploaded(t)
		}
	case ctx.Err() != nil:
		// Shutting down mid-task: leave the persisted state for recovery.
		p.logger.Info("upload interrupted by shutdown", "task", t.ID, "key", t.Key)
	case IsConfig(err):
		p.abandon(ctx, t, err)
		p.logger.Error("upload aborted on configuration error",
			"task", t.ID, "key", t.Key, "error", err)
		if p.onConfigError != nil {
			p.onConfigError(err)
		}
	default:
		p.abandon(ctx, t, err)
		p.logger.Error("upload retry budget exhausted, file preserved for recovery",
			"task", t.ID, "key", t.Key, "source", t.Source, "attempts", t.Attempts, "error", err)
	}
}

func (p *Pipeline) abandon(ctx context.Context, t store.Task, cause error) {
	t.Status = store.StatusAbandoned
	t.LastError = cause.Error()
	if err := p.db.Upsert(ctx, t); err != nil {
		p.logger.Error("persist abandoned state", "task", t.ID, "error", err)
	}
	metrics.IncUploadResult("abandoned")
}
