package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsByStage reports the current number of runs in each lifecycle stage.
	RunsByStage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "noded_runs_by_stage",
			Help: "Number of runs currently in each lifecycle stage",
		},
		[]string{"stage"},
	)

	RunsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "noded_runs_created_total",
			Help: "Total number of runs accepted by create_run",
		},
	)

	RunsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noded_runs_finished_total",
			Help: "Total number of runs that reached FINISHED, by outcome",
		},
		[]string{"outcome"}, // "ok", "failed", "killed"
	)

	AllocationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "noded_allocation_failures_total",
			Help: "Total number of resource allocation failures, by resource",
		},
		[]string{"resource"}, // "cpu", "gpu"
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "noded_process_runs_duration_seconds",
			Help:    "Time taken by one process_runs tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerPullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "noded_image_pull_duration_seconds",
			Help:    "Time taken to pull a container image",
			Buckets: prometheus.DefBuckets,
		},
	)

	KillAllDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "noded_kill_all_duration_seconds",
			Help:    "Time taken for kill_all to return during shutdown",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50, 100, 150},
		},
	)
)

func init() {
	prometheus.MustRegister(RunsByStage)
	prometheus.MustRegister(RunsCreatedTotal)
	prometheus.MustRegister(RunsFinishedTotal)
	prometheus.MustRegister(AllocationFailuresTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(ContainerPullDuration)
	prometheus.MustRegister(KillAllDuration)
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

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
