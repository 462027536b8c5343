package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for reap reasons.
const (
	reasonOrphaned = "orphaned"
	reasonExpired  = "expired"
)

var (
	reapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacraft_monitor_reaps_total",
			Help: "Total number of processing tasks finalized by the health monitor.",
		},
		[]string{"reason"},
	)

	retentionDeletes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mediacraft_monitor_retention_deletes_total",
			Help: "Total number of terminal tasks deleted by retention.",
		},
	)

	tempSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mediacraft_monitor_temp_sweeps_total",
			Help: "Total number of stale scratch directories removed.",
		},
	)
)

func init() {
	prometheus.MustRegister(reapsTotal)
	prometheus.MustRegister(retentionDeletes)
	prometheus.MustRegister(tempSweeps)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	reapsTotal.WithLabelValues(reasonOrphaned)
	reapsTotal.WithLabelValues(reasonExpired)
}
