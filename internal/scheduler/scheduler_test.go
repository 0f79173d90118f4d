package scheduler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/micspool/micspool/internal/capture"
	"github.com/micspool/micspool/internal/store"
	"github.com/micspool/micspool/internal/window"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type captureCall struct {
	start time.Time
	dest  string
}

// step scripts the outcome of one Capture call. A zero step means a full
// successful session.
type step struct {
	advance time.Duration
	bytes   int64
	err     error
}

type fakeCapturer struct {
	clock *fakeClock
	steps []step

	mu    sync.Mutex
	calls []captureCall
}

func (f *fakeCapturer) Capture(_ context.Context, d time.Duration, dest string) (capture.Result, error) {
	f.mu.Lock()
	i := len(f.calls)
	f.calls = append(f.calls, captureCall{start: f.clock.Now(), dest: dest})
	f.mu.Unlock()

	st := step{advance: d, bytes: 1 << 20}
	if i < len(f.steps) {
		st = f.steps[i]
	}
	f.clock.Advance(st.advance)
	return capture.Result{Path: dest, Bytes: st.bytes, Captured: st.advance}, st.err
}

func (f *fakeCapturer) callList() []captureCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]captureCall(nil), f.calls...)
}

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []store.Task
}

func (f *fakeSubmitter) Submit(_ context.Context, t store.Task) error {
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeSubmitter) taskList() []store.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Task(nil), f.tasks...)
}

type fakeReclaimer struct{ n atomic.Int64 }

func (f *fakeReclaimer) Reclaimed() int64 { return f.n.Load() }

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestScheduler wires a scheduler to a fake clock: sleeping advances
// virtual time instead of blocking, so a full day runs in microseconds.
func newTestScheduler(cfg Config, clock *fakeClock, c Capturer, sub Submitter, rec Reclaimer) *Scheduler {
	s := New(cfg, c, sub, rec, quiet())
	s.now = clock.Now
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		clock.Advance(d)
		return ctx.Err() == nil
	}
	return s
}

func baseConfig() Config {
	return Config{
		Window:          window.Window{StartHour: 9, EndHour: 18},
		SessionDuration: time.Hour,
		PollInterval:    time.Minute,
		SpoolDir:        "/spool",
		FilePrefix:      "rec",
		KeyPrefix:       "audio",
		RunMode:         RunModeDaily,
	}
}

func TestWaitsForWindowToOpen(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 8, 59, 0, 0, time.UTC)}
	fc := &fakeCapturer{clock: clock}
	sub := &fakeSubmitter{}
	s := newTestScheduler(baseConfig(), clock, fc, sub, &fakeReclaimer{})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := fc.callList()
	if len(calls) != 9 {
		t.Fatalf("expected 9 sessions across 9..18, got %d", len(calls))
	}
	if h, m := calls[0].start.Hour(), calls[0].start.Minute(); h != 9 || m != 0 {
		t.Fatalf("first session must start at window open, got %02d:%02d", h, m)
	}
	if h := calls[len(calls)-1].start.Hour(); h != 17 {
		t.Fatalf("last session start hour = %d, want 17", h)
	}
	if len(sub.taskList()) != 9 {
		t.Fatalf("submits = %d, want 9", len(sub.taskList()))
	}
}

func TestSessionStartedBeforeCloseRunsToCompletion(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 17, 30, 0, 0, time.UTC)}
	fc := &fakeCapturer{clock: clock}
	sub := &fakeSubmitter{}
	s := newTestScheduler(baseConfig(), clock, fc, sub, &fakeReclaimer{})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := fc.callList()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want exactly 1", len(calls))
	}
	if got := clock.Now(); got.Hour() != 18 || got.Minute() != 30 {
		t.Fatalf("session cut short, clock at %v", got)
	}
	tasks := sub.taskList()
	if len(tasks) != 1 {
		t.Fatalf("submits = %d, want 1", len(tasks))
	}
	if !strings.Contains(tasks[0].Key, "rec_20250602T173000.wav") {
		t.Fatalf("unexpected key %q", tasks[0].Key)
	}
}

func TestDeviceLostForwardsPartialFile(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 17, 30, 0, 0, time.UTC)}
	fc := &fakeCapturer{
		clock: clock,
		steps: []step{{
			advance: 30 * time.Minute,
			bytes:   1 << 18,
			err:     &capture.DeviceLostError{Path: "x", Captured: 30 * time.Minute, Err: io.ErrUnexpectedEOF},
		}},
	}
	sub := &fakeSubmitter{}
	s := newTestScheduler(baseConfig(), clock, fc, sub, &fakeReclaimer{})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	tasks := sub.taskList()
	if len(tasks) != 1 {
		t.Fatalf("partial file not submitted, submits = %d", len(tasks))
	}
	if !strings.Contains(tasks[0].Key, "rec_20250602T173000.wav") {
		t.Fatalf("key %q does not match session start", tasks[0].Key)
	}
}

type captureFunc func(ctx context.Context, d time.Duration, dest string) (capture.Result, error)

func (f captureFunc) Capture(ctx context.Context, d time.Duration, dest string) (capture.Result, error) {
	return f(ctx, d, dest)
}

func TestShutdownMidCaptureDoesNotSubmit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	ctx, cancel := context.WithCancel(context.Background())
	fc := captureFunc(func(ctx context.Context, d time.Duration, dest string) (capture.Result, error) {
		clock.Advance(10 * time.Minute)
		cancel()
		return capture.Result{Path: dest, Bytes: 100, Captured: 10 * time.Minute}, ctx.Err()
	})
	sub := &fakeSubmitter{}
	s := newTestScheduler(baseConfig(), clock, fc, sub, &fakeReclaimer{})

	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := len(sub.taskList()); n != 0 {
		t.Fatalf("interrupted session must be left to the recovery scan, got %d submits", n)
	}
}

func TestDiskFullHaltsUntilReclaim(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	fc := &fakeCapturer{
		clock: clock,
		steps: []step{{advance: 10 * time.Minute, bytes: 500, err: capture.ErrDiskFull}},
	}
	sub := &fakeSubmitter{}
	rec := &fakeReclaimer{}
	s := New(baseConfig(), fc, sub, rec, quiet())
	s.now = clock.Now
	sleeps := 0
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		clock.Advance(d)
		sleeps++
		if sleeps == 3 {
			rec.n.Add(1) // janitor frees a file
		}
		return ctx.Err() == nil
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := fc.callList()
	if len(calls) < 2 {
		t.Fatalf("scheduler never resumed after reclaim, calls = %d", len(calls))
	}
	tasks := sub.taskList()
	if len(tasks) != len(calls) {
		t.Fatalf("submits = %d, calls = %d; the flushed partial must be forwarded too", len(tasks), len(calls))
	}
	if !strings.Contains(tasks[0].Key, "rec_20250602T090000.wav") {
		t.Fatalf("first task should be the partial from the full-disk session, got %q", tasks[0].Key)
	}
}

func TestDeviceUnavailableRetriesNextPoll(t *testing.T) {
	cfg := baseConfig()
	cfg.Window = window.Window{StartHour: 17, EndHour: 18}
	cfg.SessionDuration = 30 * time.Minute
	cfg.PollInterval = 10 * time.Minute

	clock := &fakeClock{t: time.Date(2025, 6, 2, 17, 0, 0, 0, time.UTC)}
	fc := &fakeCapturer{
		clock: clock,
		steps: []step{{advance: 0, err: capture.ErrDeviceUnavailable}},
	}
	sub := &fakeSubmitter{}
	s := newTestScheduler(cfg, clock, fc, sub, &fakeReclaimer{})

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := fc.callList()
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want unavailable + two sessions", len(calls))
	}
	if h, m := calls[1].start.Hour(), calls[1].start.Minute(); h != 17 || m != 10 {
		t.Fatalf("retry should wait one poll interval, got %02d:%02d", h, m)
	}
	if len(sub.taskList()) != 2 {
		t.Fatalf("submits = %d, want 2", len(sub.taskList()))
	}
}

func TestForeverModeIdlesAcrossDays(t *testing.T) {
	cfg := baseConfig()
	cfg.RunMode = RunModeForever
	cfg.Window = window.Window{StartHour: 9, EndHour: 10}
	cfg.PollInterval = time.Hour

	clock := &fakeClock{t: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
	var sessions atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	fc := captureFunc(func(_ context.Context, d time.Duration, dest string) (capture.Result, error) {
		if sessions.Add(1) == 2 {
			cancel() // second day reached
		}
		clock.Advance(d)
		return capture.Result{Path: dest, Bytes: 1 << 20, Captured: d}, nil
	})
	sub := &fakeSubmitter{}
	s := newTestScheduler(cfg, clock, fc, sub, &fakeReclaimer{})

	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sessions.Load() != 2 {
		t.Fatalf("sessions = %d, want one per day", sessions.Load())
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	s := New(baseConfig(), &fakeCapturer{clock: &fakeClock{}}, &fakeSubmitter{}, &fakeReclaimer{}, quiet())
	snap := s.Snapshot()
	if snap.State != StateIdle {
		t.Fatalf("initial state = %s, want %s", snap.State, StateIdle)
	}
	if snap.Current != nil {
		t.Fatalf("no session should be current at start")
	}
}
