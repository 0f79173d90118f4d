package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sessionStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "micspool",
			Subsystem: "session",
			Name:      "starts_total",
			Help:      "Number of capture sessions started.",
		},
	)
	sessionResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "micspool",
			Subsystem: "session",
			Name:      "results_total",
			Help:      "Capture session outcomes by result (completed, device_lost, failed).",
		}, []string{"result"},
	)
	capturedSeconds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "micspool",
			Subsystem: "session",
			Name:      "captured_seconds_total",
			Help:      "Total seconds of audio written to local storage.",
		},
	)
	schedulerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "micspool",
			Subsystem: "session",
			Name:      "scheduler_state",
			Help:      "Current scheduler state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)

	uploadAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "micspool",
			Subsystem: "upload",
			Name:      "attempts_total",
			Help:      "Number of upload attempts, including retries.",
		},
	)
	uploadResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "micspool",
			Subsystem: "upload",
			Name:      "results_total",
			Help:      "Terminal upload task outcomes (uploaded, abandoned).",
		}, []string{"result"},
	)
	uploadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "micspool",
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Bytes acknowledged by object storage.",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "micspool",
			Subsystem: "upload",
			Name:      "queue_depth",
			Help:      "Upload tasks currently queued or in flight.",
		},
	)

	reclaimedFiles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "micspool",
			Subsystem: "spool",
			Name:      "reclaimed_files_total",
			Help:      "Local files deleted after a confirmed upload.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sessionStarts, sessionResults, capturedSeconds, schedulerState,
		uploadAttempts, uploadResults, uploadedBytes, queueDepth, reclaimedFiles,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register is called.

func IncSessionStart() {
	if regOK.Load() {
		sessionStarts.Inc()
	}
}

func IncSessionResult(result string) {
	if regOK.Load() {
		sessionResults.WithLabelValues(result).Inc()
	}
}

func AddCapturedSeconds(s float64) {
	if regOK.Load() {
		capturedSeconds.Add(s)
	}
}

func SetSchedulerState(state string, active bool) {
	if regOK.Load() {
		var v float64
		if active {
			v = 1
		}
		schedulerState.WithLabelValues(state).Set(v)
	}
}

func IncUploadAttempt() {
	if regOK.Load() {
		uploadAttempts.Inc()
	}
}

func IncUploadResult(result string) {
	if regOK.Load() {
		uploadResults.WithLabelValues(result).Inc()
	}
}

func AddUploadedBytes(n int64) {
	if regOK.Load() {
		uploadedBytes.Add(float64(n))
	}
}

func SetQueueDepth(n int) {
	if regOK.Load() {
		queueDepth.Set(float64(n))
	}
}

func IncReclaimed() {
	if regOK.Load() {
		reclaimedFiles.Inc()
	}
}
