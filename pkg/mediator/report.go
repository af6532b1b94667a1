package mediator

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/manga-cache/pkg/metrics"
	"github.com/Sternrassler/manga-cache/pkg/store"
)

// Performance goals of the service.
const (
	GoalMaxCallsPerHour = 50.0
	GoalMinHitRate      = 0.80
)

// AdminStats combines what the durable tier holds with the in-process
// cache counters.
type AdminStats struct {
	Storage store.Stats   `json:"storage"`
	Cache   metrics.Stats `json:"cache"`
}

// Goal is one performance target and whether it is met.
type Goal struct {
	Name   string  `json:"name"`
	Target string  `json:"target"`
	Actual float64 `json:"actual"`
	Met    bool    `json:"met"`
}

// PerformanceReport grades the running service against its goals.
type PerformanceReport struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Cache       metrics.Stats `json:"cache"`
	Storage     store.Stats   `json:"storage"`
	Goals       []Goal        `json:"goals"`
	Healthy     bool          `json:"healthy"`
}

// AdminStats returns storage and cache statistics.
func (m *Mediator) AdminStats(ctx context.Context) (*AdminStats, error) {
	st, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &AdminStats{Storage: st, Cache: m.tracker.Stats()}, nil
}

// PerformanceReport returns the statistics with goal status: fewer than
// 50 upstream calls per hour and a hit rate above 80%.
func (m *Mediator) PerformanceReport(ctx context.Context) (*PerformanceReport, error) {
	st, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	cache := m.tracker.Stats()

	goals := []Goal{
		{
			Name:   "upstream_calls_per_hour",
			Target: fmt.Sprintf("< %.0f", GoalMaxCallsPerHour),
			Actual: cache.CallsPerHour,
			Met:    cache.CallsPerHour < GoalMaxCallsPerHour,
		},
		{
			Name:   "cache_hit_rate",
			Target: fmt.Sprintf("> %.0f%%", GoalMinHitRate*100),
			Actual: cache.HitRate,
			Met:    cache.HitRate > GoalMinHitRate,
		},
	}

	healthy := true
	for _, g := range goals {
		healthy = healthy && g.Met
	}
	return &PerformanceReport{
		GeneratedAt: m.clock.Now(),
		Cache:       cache,
		Storage:     st,
		Goals:       goals,
		Healthy:     healthy,
	}, nil
}
