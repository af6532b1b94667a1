// Package metrics tracks cache effectiveness and upstream call rates.
//
// Prometheus counters are defined next to the code they measure
// (store, quota, client). This package adds the Tracker, which keeps the
// in-process totals behind the admin report and also exports them as a
// prometheus.Collector.
//
// Store metrics (pkg/store):
//   - mangacache_store_errors_total{operation} (Counter): failed storage operations
//   - mangacache_query_cache_lookups_total{result} (Counter): query cache hits, misses, expiries
//   - mangacache_query_cache_purged_total (Counter): expired query entries removed
//
// Quota metrics (pkg/quota):
//   - mangacache_quota_decisions_total{result} (Counter): allowed, daily, monthly
//   - mangacache_quota_usage_recorded_total (Counter): upstream calls charged
//
// Upstream metrics (pkg/client):
//   - mangacache_upstream_attempts_total{kind, outcome} (Counter)
//   - mangacache_upstream_attempt_duration_seconds{kind} (Histogram)
//   - mangacache_upstream_backoff_seconds{error_class} (Histogram)
//   - mangacache_upstream_exhausted_total{error_class} (Counter)
//   - mangacache_upstream_ban_alerts_total (Counter)
//
// Tracker metrics (this package):
//   - mangacache_cache_hits_total, mangacache_cache_misses_total (Counter)
//   - mangacache_cache_hit_ratio (Gauge)
//   - mangacache_upstream_calls_per_hour (Gauge)
//
// Example Prometheus queries:
//
//	# Hit rate over 5m
//	sum(rate(mangacache_cache_hits_total[5m])) /
//	(sum(rate(mangacache_cache_hits_total[5m])) + sum(rate(mangacache_cache_misses_total[5m])))
//
//	# Ban alerts in the last hour
//	increase(mangacache_upstream_ban_alerts_total[1h])
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Sternrassler/manga-cache/pkg/clock"
)

// Registry is the registerer the service exposes on /metrics.
var Registry = prometheus.DefaultRegisterer

var (
	hitsDesc = prometheus.NewDesc("mangacache_cache_hits_total",
		"Lookups answered from any cache tier", nil, nil)
	missesDesc = prometheus.NewDesc("mangacache_cache_misses_total",
		"Lookups that required an upstream call", nil, nil)
	hitRatioDesc = prometheus.NewDesc("mangacache_cache_hit_ratio",
		"Hits divided by all lookups since start", nil, nil)
	callsPerHourDesc = prometheus.NewDesc("mangacache_upstream_calls_per_hour",
		"Upstream attempts per hour of runtime", nil, nil)
)

// Tracker counts cache hits, misses and upstream calls. Counters are
// lock-free; only the per-outcome map takes a mutex on first use of an
// outcome.
type Tracker struct {
	clock   clock.Clock
	started time.Time

	hits     atomic.Int64
	misses   atomic.Int64
	upstream atomic.Int64

	mu       sync.RWMutex
	outcomes map[string]*atomic.Int64
}

// Stats is a snapshot of the Tracker.
type Stats struct {
	Hits          int64            `json:"hits"`
	Misses        int64            `json:"misses"`
	HitRate       float64          `json:"hit_rate"`
	UpstreamCalls int64            `json:"upstream_calls"`
	CallsPerHour  float64          `json:"calls_per_hour"`
	RuntimeHours  float64          `json:"runtime_hours"`
	Outcomes      map[string]int64 `json:"outcomes"`
}

// NewTracker starts a tracker at the clock's current time.
func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		clock:    clk,
		started:  clk.Now(),
		outcomes: make(map[string]*atomic.Int64),
	}
}

// RecordHit counts a lookup served from cache.
func (t *Tracker) RecordHit() {
	t.hits.Add(1)
}

// RecordMiss counts a lookup that needed upstream.
func (t *Tracker) RecordMiss() {
	t.misses.Add(1)
}

// RecordUpstreamCall counts one upstream attempt with its outcome.
func (t *Tracker) RecordUpstreamCall(outcome string) {
	t.upstream.Add(1)
	t.counter(outcome).Add(1)
}

func (t *Tracker) counter(outcome string) *atomic.Int64 {
	t.mu.RLock()
	c := t.outcomes[outcome]
	t.mu.RUnlock()
	if c != nil {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c = t.outcomes[outcome]; c == nil {
		c = &atomic.Int64{}
		t.outcomes[outcome] = c
	}
	return c
}

// Stats returns the current totals and derived rates. HitRate is 0 when
// no lookups happened. CallsPerHour uses at least one minute of runtime
// so a fresh process does not report huge rates.
func (t *Tracker) Stats() Stats {
	hits := t.hits.Load()
	misses := t.misses.Load()
	calls := t.upstream.Load()

	s := Stats{
		Hits:          hits,
		Misses:        misses,
		UpstreamCalls: calls,
		RuntimeHours:  t.clock.Now().Sub(t.started).Hours(),
		Outcomes:      make(map[string]int64),
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	hours := s.RuntimeHours
	if hours < 1.0/60 {
		hours = 1.0 / 60
	}
	s.CallsPerHour = float64(calls) / hours

	t.mu.RLock()
	for k, v := range t.outcomes {
		s.Outcomes[k] = v.Load()
	}
	t.mu.RUnlock()
	return s
}

// OutcomeNames returns the recorded outcomes in sorted order.
func (s Stats) OutcomeNames() []string {
	names := make([]string, 0, len(s.Outcomes))
	for k := range s.Outcomes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Describe implements prometheus.Collector.
func (t *Tracker) Describe(ch chan<- *prometheus.Desc) {
	ch <- hitsDesc
	ch <- missesDesc
	ch <- hitRatioDesc
	ch <- callsPerHourDesc
}

// Collect implements prometheus.Collector.
func (t *Tracker) Collect(ch chan<- prometheus.Metric) {
	s := t.Stats()
	ch <- prometheus.MustNewConstMetric(hitsDesc, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(missesDesc, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(hitRatioDesc, prometheus.GaugeValue, s.HitRate)
	ch <- prometheus.MustNewConstMetric(callsPerHourDesc, prometheus.GaugeValue, s.CallsPerHour)
}
