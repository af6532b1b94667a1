package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for upstream calls.
var (
	upstreamAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangacache_upstream_attempts_total",
		Help: "Total upstream attempts by kind and outcome",
	}, []string{"kind", "outcome"})

	upstreamAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mangacache_upstream_attempt_duration_seconds",
		Help:    "Upstream attempt duration in seconds by kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	upstreamBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mangacache_upstream_backoff_seconds",
		Help:    "Backoff imposed after a failed attempt by error class",
		Buckets: []float64{1, 2, 4, 60, 120, 300},
	}, []string{"error_class"})

	upstreamExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangacache_upstream_exhausted_total",
		Help: "Total logical calls that ended in failure by last error class",
	}, []string{"error_class"})

	upstreamBansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mangacache_upstream_ban_alerts_total",
		Help: "Total 403 replies recorded in the ban log",
	})
)

// Observer receives one outcome per upstream attempt: "success" or an
// ErrorClass value.
type Observer interface {
	RecordUpstreamCall(outcome string)
}

// OutcomeSuccess is the outcome reported for a successful attempt.
const OutcomeSuccess = "success"

type nopObserver struct{}

func (nopObserver) RecordUpstreamCall(string) {}
