package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for launch outcome.
const (
	outcomeLaunched = "launched"
	outcomeFailed   = "failed"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_firecracker_vm_boot_seconds",
			Help:    "Duration from VM start to guest module accepted, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_firecracker_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	vmStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_firecracker_vm_stop_seconds",
			Help:    "Duration of VM stop and network teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	launchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_firecracker_launches_total",
			Help: "Total number of subprocess launches attempted by the Firecracker runtime.",
		},
		[]string{"role", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmStopDuration)
	prometheus.MustRegister(launchesTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, role := range SupportedRoles {
		launchesTotal.WithLabelValues(role, outcomeLaunched)
		launchesTotal.WithLabelValues(role, outcomeFailed)
	}
}
