package proc

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for launch outcome.
const (
	outcomeLaunched = "launched"
	outcomeFailed   = "failed"
)

var (
	activeProcs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_proc_active",
			Help: "Number of currently running non-isolated subprocesses.",
		},
	)

	procStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_proc_stop_seconds",
			Help:    "Duration of subprocess reaping and work dir cleanup, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	procLaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_proc_launches_total",
			Help: "Total number of subprocess launches attempted by the proc runtime.",
		},
		[]string{"role", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(activeProcs)
	prometheus.MustRegister(procStopDuration)
	prometheus.MustRegister(procLaunchesTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, role := range SupportedRoles {
		procLaunchesTotal.WithLabelValues(role, outcomeLaunched)
		procLaunchesTotal.WithLabelValues(role, outcomeFailed)
	}
}
