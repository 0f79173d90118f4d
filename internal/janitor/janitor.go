package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/micspool/micspool/internal/metrics"
	"github.com/micspool/micspool/internal/session"
	"github.com/micspool/micspool/internal/store"
	"github.com/micspool/micspool/internal/uploader"
)

// Janitor owns deletion in the spool directory. Files go away only on an
// explicit uploaded signal or when a startup sweep proves a previous run
// already uploaded them; never on elapsed time.
type Janitor struct {
	dir       string
	keyPrefix string
	db        store.Store
	remote    uploader.ObjectStore
	logger    *slog.Logger
	reclaimed atomic.Int64
}

func New(dir, keyPrefix string, db store.Store, remote uploader.ObjectStore, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{dir: dir, keyPrefix: keyPrefix, db: db, remote: remote, logger: logger}
}

// Reclaim deletes one verified-uploaded file and drops its task record.
// Wired as the pipeline's OnUploaded hook. The record goes first: a crash
// between the two leaves a file the startup sweep requeues, never a task
// row pointing at nothing.
func (j *Janitor) Reclaim(ctx context.Context, t store.Task) {
	if err := j.db.Delete(ctx, t.Source); err != nil {
		j.logger.Error("dropping task record", "source", t.Source, "error", err)
		return
	}
	if err := os.Remove(t.Source); err != nil && !errors.Is(err, os.ErrNotExist) {
		j.logger.Error("removing uploaded file", "source", t.Source, "error", err)
		return
	}
	j.reclaimed.Add(1)
	metrics.IncReclaimed()
	j.logger.Info("local file reclaimed", "source", t.Source, "key", t.Key)
}

// Reclaimed returns the number of files deleted so far. The scheduler polls
// this while local storage is full.
func (j *Janitor) Reclaimed() int64 { return j.reclaimed.Load() }

// SweepStartup reconciles the spool directory after a restart. Temp files
// are removed, files a previous run provably uploaded (task says uploaded
// and the remote confirms) are deleted, and everything else comes back as an
// orphan task for the pipeline to retry. Returned tasks are FIFO by session
// start time.
func (j *Janitor) SweepStartup(ctx context.Context, filePrefix string) ([]store.Task, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("scan spool dir %s: %w", j.dir, err)
	}

	var orphans []store.Task
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(j.dir, e.Name())
		if strings.HasSuffix(e.Name(), ".tmp") {
			if err := os.Remove(path); err != nil {
				j.logger.Warn("removing leftover temp file", "path", path, "error", err)
			} else {
				j.logger.Info("leftover temp file removed", "path", path)
			}
			continue
		}
		_, start, perr := session.ParseFileName(path)
		if perr != nil {
			// Foreign file in the spool dir: leave it alone.
			j.logger.Warn("ignoring unrecognized spool file", "path", path)
			continue
		}
		key := session.RemoteKey(j.keyPrefix, filePrefix, start)

		task, gerr := j.db.GetBySource(ctx, path)
		switch {
		case gerr == nil && task.Status == store.StatusUploaded:
			if ok, serr := j.remote.Stat(ctx, task.Key); serr == nil && ok {
				j.Reclaim(ctx, task)
				continue
			}
			// Uploaded according to us but not the service: retry it.
			orphans = append(orphans, task)
		case gerr == nil:
			// pending/uploading/abandoned from a previous run all requeue.
			orphans = append(orphans, task)
		case errors.Is(gerr, store.ErrNotFound):
			orphans = append(orphans, store.Task{Source: path, Key: key})
		default:
			return nil, fmt.Errorf("task lookup for %s: %w", path, gerr)
		}
	}

	sort.Slice(orphans, func(a, b int) bool { return orphans[a].Source < orphans[b].Source })
	if len(orphans) > 0 {
		j.logger.Info("startup recovery found orphan files", "count", len(orphans))
	}
	return orphans, nil
}
