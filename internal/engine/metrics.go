package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yinghuzhu/mediacraft-api/internal/model"
)

// Metric label values for run outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeKilled    = "killed"
)

var (
	engineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacraft_engine_runs_total",
			Help: "Total number of engine runs by task type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediacraft_engine_run_seconds",
			Help:    "Wall-clock duration of engine runs, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"type"},
	)

	activeProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediacraft_engine_active_processes",
			Help: "Number of ffmpeg processes currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(engineRuns)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(activeProcesses)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, tt := range model.TaskTypes {
		engineRuns.WithLabelValues(tt, outcomeCompleted)
		engineRuns.WithLabelValues(tt, outcomeFailed)
		engineRuns.WithLabelValues(tt, outcomeKilled)
	}
}
