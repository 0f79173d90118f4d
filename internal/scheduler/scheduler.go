package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/micspool/micspool/internal/capture"
	"github.com/micspool/micspool/internal/metrics"
	"github.com/micspool/micspool/internal/session"
	"github.com/micspool/micspool/internal/store"
	"github.com/micspool/micspool/internal/window"
)

// State is the scheduler's position in its loop.
type State string

const (
	StateIdle      State = "idle"
	StateCapturing State = "capturing"
	StateHandoff   State = "handoff"
	StateHalted    State = "halted" // local storage full, waiting on reclaim
)

// Run modes: forever idles across days; daily exits cleanly once the window
// closes, for deployments where the external scheduler relaunches us.
const (
	RunModeForever = "forever"
	RunModeDaily   = "daily"
)

// Capturer runs one bounded capture session. Satisfied by *capture.Recorder.
type Capturer interface {
	Capture(ctx context.Context, duration time.Duration, dest string) (capture.Result, error)
}

// Submitter accepts completed session files for upload without blocking.
type Submitter interface {
	Submit(ctx context.Context, t store.Task) error
}

// Reclaimer reports space freed by the janitor; polled while halted on a
// full disk.
type Reclaimer interface {
	Reclaimed() int64
}

// Config is the immutable per-run configuration of the loop.
type Config struct {
	Window          window.Window
	SessionDuration time.Duration
	PollInterval    time.Duration
	SpoolDir        string
	FilePrefix      string
	KeyPrefix       string
	RunMode         string
}

// Scheduler drives one bounded capture at a time. It owns the microphone for
// the life of the process; there is deliberately no concurrency here, which
// is what enforces the single-capture invariant.
type Scheduler struct {
	cfg      Config
	capturer Capturer
	submit   Submitter
	rec      Reclaimer
	logger   *slog.Logger

	// injectable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	state    State
	current  *session.Session
	sessions int
}

func New(cfg Config, c Capturer, submit Submitter, rec Reclaimer, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RunMode == "" {
		cfg.RunMode = RunModeForever
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{cfg: cfg, capturer: c, submit: submit, rec: rec, logger: logger}
	s.now = time.Now
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}
	s.setState(StateIdle, nil)
	return s
}

// Snapshot is the scheduler's view exposed over the status endpoint.
type Snapshot struct {
	State    State            `json:"state"`
	Current  *session.Session `json:"current_session,omitempty"`
	Sessions int              `json:"sessions_this_run"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur *session.Session
	if s.current != nil {
		c := *s.current
		cur = &c
	}
	return Snapshot{State: s.state, Current: cur, Sessions: s.sessions}
}

func (s *Scheduler) setState(st State, cur *session.Session) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.current = cur
	s.mu.Unlock()
	if prev != st {
		metrics.SetSchedulerState(string(prev), false)
		metrics.SetSchedulerState(string(st), true)
	}
}

// Run executes the loop until ctx is cancelled or, in daily mode, until the
// window closes after having been open. The gate is consulted only at
// session boundaries: a session begun just before window close runs to
// completion.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"window", s.cfg.Window.String(),
		"session_duration", s.cfg.SessionDuration,
		"run_mode", s.cfg.RunMode)

	sawWindow := false
	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopping on shutdown signal")
			return nil
		}
		now := s.now()
		if !s.cfg.Window.Contains(now) {
			if sawWindow && s.cfg.RunMode == RunModeDaily {
				s.logger.Info("recording window closed, exiting", "sessions", s.sessions)
				return nil
			}
			s.setState(StateIdle, nil)
			if !s.sleep(ctx, s.cfg.PollInterval) {
				return nil
			}
			continue
		}
		sawWindow = true
		if err := s.runSession(ctx); err != nil {
			if errors.Is(err, capture.ErrDiskFull) {
				if !s.waitForReclaim(ctx) {
					return nil
				}
				continue
			}
			// Device trouble: retry on the next iteration.
			if !s.sleep(ctx, s.cfg.PollInterval) {
				return nil
			}
		}
		// Loop re-evaluates the gate immediately: sessions chain
		// back-to-back while the window stays open.
	}
}

func (s *Scheduler) runSession(ctx context.Context) error {
	start := s.now()
	dest := filepath.Join(s.cfg.SpoolDir, session.FileName(s.cfg.FilePrefix, start))
	sess := &session.Session{
		StartedAt:      start,
		TargetDuration: s.cfg.SessionDuration,
		Path:           dest,
		Status:         session.StatusCapturing,
	}
	s.setState(StateCapturing, sess)
	metrics.IncSessionStart()
	s.logger.Info("session started", "path", dest, "duration", s.cfg.SessionDuration)

	res, err := s.capturer.Capture(ctx, s.cfg.SessionDuration, dest)
	sess.Bytes = res.Bytes
	sess.Captured = res.Captured

	var lost *capture.DeviceLostError
	switch {
	case err == nil:
		sess.Status = session.StatusCompleted
		metrics.IncSessionResult("completed")
		metrics.AddCapturedSeconds(res.Captured.Seconds())
		s.logger.Info("session completed", "path", dest, "captured", res.Captured, "bytes", res.Bytes)
		s.handoff(ctx, sess, start)
		return nil

	case errors.As(err, &lost):
		// The partial file is a valid prefix; preserve the data by
		// forwarding it like a completed session.
		sess.Status = session.StatusCompleted
		metrics.IncSessionResult("device_lost")
		metrics.AddCapturedSeconds(res.Captured.Seconds())
		s.logger.Warn("device lost mid-session, forwarding partial file",
			"path", dest, "captured", res.Captured, "error", err)
		s.handoff(ctx, sess, start)
		return err

	case ctx.Err() != nil:
		// Shutdown mid-capture: the file stays for the recovery scan.
		s.logger.Info("session interrupted by shutdown", "path", dest, "captured", res.Captured)
		return nil

	case errors.Is(err, capture.ErrDiskFull):
		sess.Status = session.StatusFailed
		metrics.IncSessionResult("failed")
		s.logger.Error("local storage full, halting new sessions", "path", dest, "error", err)
		if res.Bytes > 0 {
			s.handoff(ctx, sess, start)
		}
		return err

	case errors.Is(err, capture.ErrDeviceUnavailable):
		sess.Status = session.StatusFailed
		metrics.IncSessionResult("failed")
		s.logger.Warn("no usable input device, will retry", "error", err)
		return err

	default:
		sess.Status = session.StatusFailed
		metrics.IncSessionResult("failed")
		s.logger.Error("session failed", "path", dest, "error", err)
		return err
	}
}

// handoff creates the upload task and hands it to the pipeline. Submit is
// non-blocking, so a slow or retrying upload never delays the next capture.
func (s *Scheduler) handoff(ctx context.Context, sess *session.Session, start time.Time) {
	s.setState(StateHandoff, sess)
	task := store.Task{
		Source: sess.Path,
		Key:    session.RemoteKey(s.cfg.KeyPrefix, s.cfg.FilePrefix, start),
	}
	if err := s.submit.Submit(ctx, task); err != nil {
		// The file is on disk and named for recovery; nothing is lost.
		s.logger.Error("handoff failed, file left for recovery scan",
			"source", task.Source, "error", err)
	}
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
}

// waitForReclaim parks the loop until the janitor frees at least one file.
func (s *Scheduler) waitForReclaim(ctx context.Context) bool {
	s.setState(StateHalted, nil)
	since := s.rec.Reclaimed()
	for s.rec.Reclaimed() == since {
		if !s.sleep(ctx, s.cfg.PollInterval) {
			return false
		}
	}
	s.logger.Info("space reclaimed, resuming sessions")
	return true
}
