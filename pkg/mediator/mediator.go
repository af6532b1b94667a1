// Package mediator answers catalogue requests from the cache tiers and
// falls back to the upstream only on a miss, under quota and with
// concurrent misses for the same key collapsed into one upstream call.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/manga-cache/pkg/blob"
	"github.com/Sternrassler/manga-cache/pkg/client"
	"github.com/Sternrassler/manga-cache/pkg/clock"
	"github.com/Sternrassler/manga-cache/pkg/metrics"
	"github.com/Sternrassler/manga-cache/pkg/model"
	"github.com/Sternrassler/manga-cache/pkg/pagination"
	"github.com/Sternrassler/manga-cache/pkg/quota"
	"github.com/Sternrassler/manga-cache/pkg/store"
)

// Store is the durable tier used by the mediator.
type Store interface {
	GetContent(ctx context.Context, id int64) (*model.ContentRecord, error)
	GetContents(ctx context.Context, ids []int64) ([]model.ContentRecord, error)
	PutContent(ctx context.Context, rec *model.ContentRecord) error
	PutContents(ctx context.Context, recs []model.ContentRecord) error
	GetPart(ctx context.Context, contentID int64, number float64) (*model.ContentPart, error)
	PutPart(ctx context.Context, part *model.ContentPart) error
	GetQueryCache(ctx context.Context, hash string) (*model.QueryCacheEntry, error)
	PeekQueryCache(ctx context.Context, hash string) (*model.QueryCacheEntry, error)
	PutQueryCache(ctx context.Context, hash, text string, filters map[string]string, ids []int64, ttl time.Duration) (*model.QueryCacheEntry, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Quota gates upstream-bound work per identity.
type Quota interface {
	Authorize(ctx context.Context, identity string, tier model.Tier) (quota.Decision, error)
	RecordUsage(ctx context.Context, identity string) error
	Release(identity string)
}

// Upstream performs logical upstream calls.
type Upstream interface {
	Fetch(ctx context.Context, req client.Request) ([]byte, error)
}

// Config holds cache lifetimes and housekeeping intervals.
type Config struct {
	MetadataTTL     time.Duration     `mapstructure:"metadata_ttl"`
	SearchTTL       time.Duration     `mapstructure:"search_ttl"`
	CleanupInterval time.Duration     `mapstructure:"cleanup_interval"`
	Pages           pagination.Config `mapstructure:"pages"`
}

// DefaultConfig returns 24h lifetimes and a daily purge.
func DefaultConfig() Config {
	return Config{
		MetadataTTL:     24 * time.Hour,
		SearchTTL:       24 * time.Hour,
		CleanupInterval: 24 * time.Hour,
		Pages:           pagination.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MetadataTTL <= 0 || c.SearchTTL <= 0 {
		return fmt.Errorf("cache ttls must be positive (metadata %s, search %s)", c.MetadataTTL, c.SearchTTL)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive (got %s)", c.CleanupInterval)
	}
	return nil
}

// Deps are the collaborators of a Mediator.
type Deps struct {
	Store    Store
	Quota    Quota
	Upstream Upstream
	Blobs    blob.Store
	Tracker  *metrics.Tracker
	Clock    clock.Clock
	Logger   *zerolog.Logger
}

// Mediator is the cache-first front of the upstream catalogue.
type Mediator struct {
	store    Store
	quota    Quota
	upstream Upstream
	blobs    blob.Store
	tracker  *metrics.Tracker
	clock    clock.Clock
	logger   zerolog.Logger
	config   Config
	pages    *pagination.BatchFetcher
	flights  singleflight.Group
}

// New creates a mediator.
func New(deps Deps, cfg Config) (*Mediator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Quota == nil:
		return nil, errors.New("quota manager is required")
	case deps.Upstream == nil:
		return nil, errors.New("upstream client is required")
	case deps.Blobs == nil:
		return nil, errors.New("blob store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Mediator{
		store:    deps.Store,
		quota:    deps.Quota,
		upstream: deps.Upstream,
		blobs:    deps.Blobs,
		tracker:  deps.Tracker,
		clock:    deps.Clock,
		config:   cfg,
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.tracker == nil {
		m.tracker = metrics.NewTracker(m.clock)
	}
	if deps.Logger != nil {
		m.logger = *deps.Logger
	} else {
		m.logger = log.With().Str("component", "mediator").Logger()
	}
	m.pages = pagination.NewBatchFetcher(pagination.PageFetcherFunc(m.fetchPage), cfg.Pages, pagination.WithLogger(m.logger))
	return m, nil
}

func (m *Mediator) fetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	return m.upstream.Fetch(ctx, client.PageRequest(pageURL))
}

// authorize turns a quota denial into an error.
func (m *Mediator) authorize(ctx context.Context, identity string, tier model.Tier) error {
	decision, err := m.quota.Authorize(ctx, identity, tier)
	if err != nil {
		return err
	}
	return decision.Err()
}

// loader fetches one missing value. It reports whether the upstream was
// contacted so only real upstream work is charged.
type loader func(ctx context.Context) (value any, upstreamCalled bool, err error)

// shared runs load once per key across concurrent callers. Every caller
// must hold a quota reservation for identity. The caller whose closure
// runs is the leader: its reservation is charged when the upstream was
// contacted successfully and released otherwise. Waiters release theirs.
//
// The load runs detached from the caller's cancellation, so a caller
// that gives up gets ctx.Err() while the load completes and populates the
// cache for everyone else.
func (m *Mediator) shared(ctx context.Context, key, identity string, load loader) (any, error) {
	var leader atomic.Bool
	detached := context.WithoutCancel(ctx)

	ch := m.flights.DoChan(key, func() (any, error) {
		leader.Store(true)
		value, called, err := load(detached)
		if err == nil && called {
			if rerr := m.quota.RecordUsage(detached, identity); rerr != nil {
				m.logger.Error().Err(rerr).Str("identity", identity).Msg("Failed to record quota usage")
			}
		} else {
			m.quota.Release(identity)
		}
		return value, err
	})

	settle := func(shared bool) {
		if !leader.Load() {
			m.quota.Release(identity)
			if shared {
				m.logger.Debug().Str("key", key).Str("identity", identity).Msg("Joined in-flight fetch")
			}
		}
	}

	select {
	case res := <-ch:
		settle(res.Shared)
		return res.Val, res.Err
	case <-ctx.Done():
		go func() {
			res := <-ch
			settle(res.Shared)
		}()
		return nil, ctx.Err()
	}
}

// isUpstreamFailure reports whether err came from the upstream rather
// than from local storage.
func isUpstreamFailure(err error) bool {
	var upErr *client.UpstreamError
	return errors.As(err, &upErr) || errors.Is(err, ErrBadPayload)
}
