package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notificationdispatch"

var (
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result (hit, miss, coalesced, error)",
		},
		[]string{"cache", "result"},
	)

	cacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Explicit cache invalidations",
		},
		[]string{"cache"},
	)
)

func recordCacheLookup(cache, result string) {
	cacheLookups.WithLabelValues(cache, result).Inc()
}

func recordCacheInvalidation(cache string) {
	cacheInvalidations.WithLabelValues(cache).Inc()
}
