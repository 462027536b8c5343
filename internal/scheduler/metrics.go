package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yinghuzhu/mediacraft-api/internal/model"
)

var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacraft_tasks_total",
			Help: "Total number of tasks finalized in this process, by type and terminal status.",
		},
		[]string{"type", "status"},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediacraft_active_workers",
			Help: "Number of worker goroutines currently processing a task.",
		},
	)

	queuedTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediacraft_queued_tasks",
			Help: "Number of tasks waiting for a processing slot.",
		},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediacraft_task_duration_seconds",
			Help:    "Time from claim to terminal status, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(queuedTasks)
	prometheus.MustRegister(taskDuration)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	terminal := []string{
		model.StatusCompleted,
		model.StatusFailed,
		model.StatusCancelled,
		model.StatusExpired,
	}
	for _, tt := range model.TaskTypes {
		for _, st := range terminal {
			tasksTotal.WithLabelValues(tt, st)
		}
	}
}
