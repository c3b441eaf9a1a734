package artifact

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_artifact_cache_hits_total",
			Help: "Total number of artifact fetches served from the cache.",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_artifact_cache_misses_total",
			Help: "Total number of artifact fetches that required a download.",
		},
	)

	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_artifact_cache_evictions_total",
			Help: "Total number of cache entries removed by the janitor.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(cacheEvictions)
}
