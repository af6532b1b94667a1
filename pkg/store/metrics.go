package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// storeErrors tracks failed store operations by operation name.
	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mangacache_store_errors_total",
			Help: "Total number of durable store operation errors",
		},
		[]string{"operation"},
	)

	// queryLookups tracks query-cache lookups by result (hit, miss).
	queryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mangacache_query_cache_lookups_total",
			Help: "Total number of query cache lookups by result",
		},
		[]string{"result"},
	)

	// queryPurged counts query entries deleted by PurgeExpired.
	queryPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mangacache_query_cache_purged_total",
			Help: "Total number of expired query cache entries purged",
		},
	)
)
