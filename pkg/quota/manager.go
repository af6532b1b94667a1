package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/manga-cache/pkg/clock"
	"github.com/Sternrassler/manga-cache/pkg/model"
	"github.com/Sternrassler/manga-cache/pkg/store"
)

// Prometheus metrics for quota decisions.
var (
	quotaDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangacache_quota_decisions_total",
		Help: "Total quota decisions by result (allowed, daily, monthly)",
	}, []string{"result"})

	quotaUsageRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mangacache_quota_usage_recorded_total",
		Help: "Total upstream calls charged to identities",
	})
)

// Store is the durable state the manager needs.
type Store interface {
	GetOrInitQuota(ctx context.Context, identity string, tier model.Tier) (*model.QuotaRecord, error)
	IncrementQuota(ctx context.Context, identity string, caps store.Caps) (store.Increment, error)
	SaveSettings(ctx context.Context, identity string, settings model.Settings) error
}

// Manager decides whether an identity may trigger another upstream call.
//
// Counters live in the durable store. On top of them the manager keeps
// in-process reservations: Authorize reserves a slot that is either
// turned into a durable increment by RecordUsage or dropped by Release.
// Concurrent authorizations for one identity therefore cannot together
// exceed its limits.
type Manager struct {
	store  Store
	config Config
	clock  clock.Clock
	logger zerolog.Logger

	mu           sync.Mutex
	reservations map[string]*reservation
	locks        map[string]*identityLock
}

type reservation struct {
	count int
	tier  model.Tier
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// Usage is a read-only view of an identity's consumption.
type Usage struct {
	Identity string     `json:"identity"`
	Tier     model.Tier `json:"tier"`
	Daily    int        `json:"daily"`
	Monthly  int        `json:"monthly"`
	Limits   Limits     `json:"limits"`
	Pending  int        `json:"pending"`
}

// NewManager creates a quota manager.
func NewManager(st Store, cfg Config, clk clock.Clock, logger zerolog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		store:        st,
		config:       cfg,
		clock:        clk,
		logger:       logger,
		reservations: make(map[string]*reservation),
		locks:        make(map[string]*identityLock),
	}
}

// Authorize checks identity against its tier limits after applying the
// day and month resets. An allowed decision holds a reservation that the
// caller must settle with RecordUsage or Release. Storage failures are
// returned as errors, never as a decision.
func (m *Manager) Authorize(ctx context.Context, identity string, tier model.Tier) (Decision, error) {
	unlock := m.lockIdentity(identity)
	defer unlock()

	rec, err := m.store.GetOrInitQuota(ctx, identity, tier)
	if err != nil {
		return Decision{}, fmt.Errorf("load quota for %s: %w", identity, err)
	}

	daily, monthly := rec.Effective(m.clock.Now())
	limits := m.config.For(tier)

	m.mu.Lock()
	pending := 0
	if r := m.reservations[identity]; r != nil {
		pending = r.count
	}
	decision := evaluate(limits, daily+pending, monthly+pending)
	decision.Daily, decision.Monthly = daily, monthly
	if decision.Allowed {
		r := m.reservations[identity]
		if r == nil {
			r = &reservation{}
			m.reservations[identity] = r
		}
		r.count++
		r.tier = tier
	}
	m.mu.Unlock()

	if !decision.Allowed {
		quotaDecisionsTotal.WithLabelValues(string(decision.Window)).Inc()
		m.logger.Info().
			Str("identity", identity).
			Str("tier", string(tier)).
			Str("window", string(decision.Window)).
			Int("limit", decision.Limit).
			Msg("Quota exceeded")
		return decision, nil
	}

	quotaDecisionsTotal.WithLabelValues("allowed").Inc()
	m.logger.Debug().
		Str("identity", identity).
		Int("daily", daily).
		Int("monthly", monthly).
		Int("pending", pending).
		Msg("Quota authorized")
	return decision, nil
}

// RecordUsage charges one upstream call to identity, settling one
// reservation. Call it only after an upstream call actually happened.
func (m *Manager) RecordUsage(ctx context.Context, identity string) error {
	unlock := m.lockIdentity(identity)
	defer unlock()

	var caps store.Caps
	m.mu.Lock()
	if r := m.reservations[identity]; r != nil {
		limits := m.config.For(r.tier)
		caps = store.Caps{Daily: limits.Daily, Monthly: limits.Monthly}
	}
	m.mu.Unlock()

	inc, err := m.store.IncrementQuota(ctx, identity, caps)
	m.Release(identity)
	if err != nil {
		return fmt.Errorf("record usage for %s: %w", identity, err)
	}

	quotaUsageRecordedTotal.Inc()
	if !inc.Applied {
		m.logger.Warn().
			Str("identity", identity).
			Int("daily", inc.Daily).
			Int("monthly", inc.Monthly).
			Msg("Usage not counted, quota cap already reached")
	}
	return nil
}

// Release drops one reservation of identity without charging it.
func (m *Manager) Release(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.reservations[identity]
	if r == nil {
		return
	}
	r.count--
	if r.count <= 0 {
		delete(m.reservations, identity)
	}
}

// Usage reports the effective counters of identity without reserving anything.
func (m *Manager) Usage(ctx context.Context, identity string, tier model.Tier) (Usage, error) {
	rec, err := m.store.GetOrInitQuota(ctx, identity, tier)
	if err != nil {
		return Usage{}, fmt.Errorf("load quota for %s: %w", identity, err)
	}
	daily, monthly := rec.Effective(m.clock.Now())

	m.mu.Lock()
	pending := 0
	if r := m.reservations[identity]; r != nil {
		pending = r.count
	}
	m.mu.Unlock()

	return Usage{
		Identity: identity,
		Tier:     tier,
		Daily:    daily,
		Monthly:  monthly,
		Limits:   m.config.For(tier),
		Pending:  pending,
	}, nil
}

// Settings returns the stored preferences of identity.
func (m *Manager) Settings(ctx context.Context, identity string, tier model.Tier) (model.Settings, error) {
	rec, err := m.store.GetOrInitQuota(ctx, identity, tier)
	if err != nil {
		return model.Settings{}, fmt.Errorf("load settings for %s: %w", identity, err)
	}
	return rec.Settings, nil
}

// UpdateSettings validates and stores the preferences of identity.
func (m *Manager) UpdateSettings(ctx context.Context, identity string, settings model.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := m.store.SaveSettings(ctx, identity, settings); err != nil {
		return fmt.Errorf("save settings for %s: %w", identity, err)
	}
	return nil
}

// lockIdentity serializes read-modify sequences for one identity. Locks
// are reference counted and dropped once unused.
func (m *Manager) lockIdentity(identity string) func() {
	m.mu.Lock()
	lock := m.locks[identity]
	if lock == nil {
		lock = &identityLock{}
		m.locks[identity] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, identity)
		}
		m.mu.Unlock()
	}
}
