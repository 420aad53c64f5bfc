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

	linesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logkeeper",
			Subsystem: "capture",
			Name:      "lines_written_total",
			Help:      "Number of captured lines persisted to rotation files.",
		}, []string{"target"},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logkeeper",
			Subsystem: "monitor",
			Name:      "events_total",
			Help:      "Number of lifecycle markers emitted, by event kind.",
		}, []string{"target", "event"},
	)
	rotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logkeeper",
			Subsystem: "files",
			Name:      "rotations_total",
			Help:      "Number of rotation-unit files created.",
		}, []string{"target"},
	)
	filesDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logkeeper",
			Subsystem: "files",
			Name:      "deleted_total",
			Help:      "Number of files removed by the retention sweep.",
		}, []string{"target"},
	)
	writeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logkeeper",
			Subsystem: "files",
			Name:      "write_errors_total",
			Help:      "Number of failed appends, rotations or file creations.",
		}, []string{"target"},
	)
	captureRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logkeeper",
			Subsystem: "capture",
			Name:      "restarts_total",
			Help:      "Number of capture-layer re-attaches after the log source exited unexpectedly.",
		}, []string{"target"},
	)
	captureFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logkeeper",
			Subsystem: "capture",
			Name:      "fallbacks_total",
			Help:      "Number of times scoped capture was unavailable and the filtered global stream was used.",
		}, []string{"target"},
	)
	lookupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logkeeper",
			Subsystem: "tracker",
			Name:      "lookup_failures_total",
			Help:      "Number of identity polls where every lookup strategy failed.",
		}, []string{"target"},
	)
	currentFileBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "logkeeper",
			Subsystem: "files",
			Name:      "current_file_bytes",
			Help:      "Size of the rotation file currently open for append.",
		}, []string{"target"},
	)
	tracked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "logkeeper",
			Subsystem: "tracker",
			Name:      "target_running",
			Help:      "1 while the target process is tracked, 0 otherwise.",
		}, []string{"target"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		linesWritten, events, rotations, filesDeleted, writeErrors,
		captureRestarts, captureFallbacks, lookupFailures, currentFileBytes, tracked,
		targetCPUPercent, targetMemoryRSS, targetNumThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLines(target string) {
	if regOK.Load() {
		linesWritten.WithLabelValues(target).Inc()
	}
}

func IncEvent(target, event string) {
	if regOK.Load() {
		events.WithLabelValues(target, event).Inc()
	}
}

func IncRotation(target string) {
	if regOK.Load() {
		rotations.WithLabelValues(target).Inc()
	}
}

func AddFilesDeleted(target string, n int) {
	if regOK.Load() && n > 0 {
		filesDeleted.WithLabelValues(target).Add(float64(n))
	}
}

func IncWriteError(target string) {
	if regOK.Load() {
		writeErrors.WithLabelValues(target).Inc()
	}
}

func IncCaptureRestart(target string) {
	if regOK.Load() {
		captureRestarts.WithLabelValues(target).Inc()
	}
}

func IncCaptureFallback(target string) {
	if regOK.Load() {
		captureFallbacks.WithLabelValues(target).Inc()
	}
}

func IncLookupFailure(target string) {
	if regOK.Load() {
		lookupFailures.WithLabelValues(target).Inc()
	}
}

func SetCurrentFileBytes(target string, n int64) {
	if regOK.Load() {
		currentFileBytes.WithLabelValues(target).Set(float64(n))
	}
}

func SetTracked(target string, running bool) {
	if regOK.Load() {
		var v float64
		if running {
			v = 1
		}
		tracked.WithLabelValues(target).Set(v)
	}
}
