package loader

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for attempt outcome.
const (
	outcomeLoaded   = "loaded"
	outcomeFailed   = "failed"
	outcomeCanceled = "canceled"
)

var (
	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_load_attempts_total",
			Help: "Total number of load attempts by terminal outcome.",
		},
		[]string{"outcome"},
	)

	attemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_load_attempt_seconds",
			Help:    "Duration from attempt start to terminal state, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	translateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_translate_seconds",
			Help:    "Duration of ahead-of-time translation, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	launchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_launch_seconds",
			Help:    "Duration of the subprocess start phase, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_instances_active",
			Help: "Number of live loader instances.",
		},
	)
)

func init() {
	prometheus.MustRegister(attemptsTotal)
	prometheus.MustRegister(attemptDuration)
	prometheus.MustRegister(translateDuration)
	prometheus.MustRegister(launchDuration)
	prometheus.MustRegister(activeInstances)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, outcome := range []string{outcomeLoaded, outcomeFailed, outcomeCanceled} {
		attemptsTotal.WithLabelValues(outcome)
	}
}
