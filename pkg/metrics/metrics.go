// Package metrics implements the ANALYSIS_QUEUE/IO_WARN/IO_INFO telemetry
// the replica I/O core records on every disk path.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	sdfslog "github.com/sdfs-io/sdfs/pkg/log"
)

var (
	IOLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdfs_io_latency_seconds",
			Help:    "Replica I/O latency by operation and path",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "path"},
	)

	IOErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdfs_io_errors_total",
			Help: "Total replica I/O failures by operation and errno",
		},
		[]string{"op", "errno"},
	)

	IOBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sdfs_io_bytes_total",
			Help: "Total bytes moved by replica I/O, by operation",
		},
		[]string{"op"},
	)

	PlacementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sdfs_placement_duration_seconds",
			Help:    "Time taken by volume placement operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	SchedulerTasksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sdfs_scheduler_tasks_active",
			Help: "Tasks currently parked or running, by worker",
		},
		[]string{"worker"},
	)
)

func init() {
	prometheus.MustRegister(IOLatency)
	prometheus.MustRegister(IOErrorsTotal)
	prometheus.MustRegister(IOBytesTotal)
	prometheus.MustRegister(PlacementDuration)
	prometheus.MustRegister(SchedulerTasksActive)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// IOWarnThreshold is the latency at or above which Queue logs a completed
// I/O at warn (IO_WARN) severity; faster operations are only counted.
var IOWarnThreshold = 200 * time.Millisecond

// IOAnalysis pairs one submitted I/O with its eventual completion, mirroring
// the source's ANALYSIS_BEGIN/ANALYSIS_QUEUE calls around each disk path.
type IOAnalysis struct {
	op    string
	path  string
	timer *Timer
}

// Begin starts tracking one I/O operation. op is "read" or "write"; path is
// "direct" or "buffered".
func Begin(op, path string) *IOAnalysis {
	return &IOAnalysis{op: op, path: path, timer: NewTimer()}
}

// Queue records the completion: latency always, a warn log when the
// operation crossed IOWarnThreshold, an error counter on failure.
func (a *IOAnalysis) Queue(bytes int, errno string) {
	a.timer.ObserveDurationVec(IOLatency, a.op, a.path)
	if a.Warn() {
		sdfslog.Logger.Warn().Str("op", a.op).Str("path", a.path).
			Dur("elapsed", a.timer.Duration()).Msg("slow replica I/O")
	}
	if errno != "" {
		IOErrorsTotal.WithLabelValues(a.op, errno).Inc()
		return
	}
	if bytes > 0 {
		IOBytesTotal.WithLabelValues(a.op).Add(float64(bytes))
	}
}

// Warn reports whether this operation's elapsed time crossed IOWarnThreshold,
// mirroring the source's CORE_ANALYSIS_UPDATE(..., IO_WARN, ...) check.
func (a *IOAnalysis) Warn() bool {
	return a.timer.Duration() >= IOWarnThreshold
}
