package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/micspool/micspool/internal/scheduler"
	"github.com/micspool/micspool/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeProvider struct {
	snap  scheduler.Snapshot
	depth int
	tasks []store.Task
	err   error
}

func (f *fakeProvider) Snapshot() scheduler.Snapshot { return f.snap }
func (f *fakeProvider) QueueDepth() int              { return f.depth }
func (f *fakeProvider) Tasks(context.Context) ([]store.Task, error) {
	return f.tasks, f.err
}

func doReq(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewRouter(&fakeProvider{}, "").Handler()
	rec := doReq(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d", rec.Code)
	}
	var resp healthResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || !resp.OK {
		t.Fatalf("healthz body = %s (%v)", rec.Body.String(), err)
	}
}

func TestStatusReportsSchedulerAndQueue(t *testing.T) {
	prov := &fakeProvider{
		snap:  scheduler.Snapshot{State: scheduler.StateCapturing, Sessions: 3},
		depth: 2,
	}
	h := NewRouter(prov, "").Handler()
	rec := doReq(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var resp statusResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Scheduler.State != scheduler.StateCapturing || resp.Scheduler.Sessions != 3 {
		t.Fatalf("scheduler snapshot = %+v", resp.Scheduler)
	}
	if resp.QueueDepth != 2 {
		t.Fatalf("queue depth = %d", resp.QueueDepth)
	}
}

func TestSpoolListsTasks(t *testing.T) {
	prov := &fakeProvider{tasks: []store.Task{
		{Source: "/spool/rec_20250602T090000.wav", Key: "2025/06/02/rec_20250602T090000.wav", Status: store.StatusPending},
	}}
	h := NewRouter(prov, "").Handler()
	rec := doReq(t, h, "/spool")
	if rec.Code != http.StatusOK {
		t.Fatalf("spool code = %d", rec.Code)
	}
	var tasks []store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != store.StatusPending {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestSpoolEmptyIsArray(t *testing.T) {
	h := NewRouter(&fakeProvider{}, "").Handler()
	rec := doReq(t, h, "/spool")
	if got := rec.Body.String(); got[0] != '[' {
		t.Fatalf("empty spool must serialize as an array, got %s", got)
	}
}

func TestSpoolError(t *testing.T) {
	h := NewRouter(&fakeProvider{err: errors.New("db closed")}, "").Handler()
	rec := doReq(t, h, "/spool")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("spool error code = %d", rec.Code)
	}
}

func TestBasePath(t *testing.T) {
	h := NewRouter(&fakeProvider{}, "agent").Handler()
	if rec := doReq(t, h, "/agent/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("prefixed healthz code = %d", rec.Code)
	}
	if rec := doReq(t, h, "/healthz"); rec.Code == http.StatusOK {
		t.Fatalf("unprefixed path should not be served")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := NewRouter(&fakeProvider{}, "").Handler()
	rec := doReq(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics code = %d", rec.Code)
	}
}
