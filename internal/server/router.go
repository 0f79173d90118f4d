package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/micspool/micspool/internal/metrics"
	"github.com/micspool/micspool/internal/scheduler"
	"github.com/micspool/micspool/internal/store"
)

// StatusProvider is the read-only view of the running agent the endpoints
// expose. Implemented by the agent facade.
type StatusProvider interface {
	Snapshot() scheduler.Snapshot
	QueueDepth() int
	Tasks(ctx context.Context) ([]store.Task, error)
}

// Router provides embeddable HTTP handlers for observing the agent.
// Endpoints:
//
//	GET {basePath}/healthz   liveness probe
//	GET {basePath}/status    scheduler state and current session
//	GET {basePath}/spool     upload tasks still on disk
//	GET {basePath}/metrics   Prometheus exposition
type Router struct {
	prov     StatusProvider
	basePath string
}

func NewRouter(prov StatusProvider, basePath string) *Router {
	return &Router{prov: prov, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/status", r.handleStatus)
	group.GET("/spool", r.handleSpool)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with http.Server.Shutdown or Close.
func NewServer(addr, basePath string, prov StatusProvider) *http.Server {
	r := NewRouter(prov, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	QueueDepth int                `json:"queue_depth"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, healthResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, statusResp{
		Scheduler:  r.prov.Snapshot(),
		QueueDepth: r.prov.QueueDepth(),
	})
}

func (r *Router) handleSpool(c *gin.Context) {
	tasks, err := r.prov.Tasks(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(c, http.StatusOK, tasks)
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func sanitizeBase(bp string) string {
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
