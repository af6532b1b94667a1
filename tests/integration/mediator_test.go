//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/manga-cache/internal/testutil"
	"github.com/Sternrassler/manga-cache/pkg/blob"
	"github.com/Sternrassler/manga-cache/pkg/client"
	"github.com/Sternrassler/manga-cache/pkg/mediator"
	"github.com/Sternrassler/manga-cache/pkg/metrics"
	"github.com/Sternrassler/manga-cache/pkg/model"
	"github.com/Sternrassler/manga-cache/pkg/quota"
	"github.com/Sternrassler/manga-cache/pkg/store"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

type stack struct {
	mediator *mediator.Mediator
	store    *store.Store
	quota    *quota.Manager
	upstream *testutil.MockUpstream
	clock    *testutil.FakeClock
}

// newStack wires the full mediation core against real Redis and the mock
// catalogue.
func newStack(t *testing.T, redisClient *redis.Client) *stack {
	t.Helper()

	up := testutil.NewMockUpstream()
	t.Cleanup(up.Close)
	for i := int64(1); i <= 20; i++ {
		up.AddTitle(testutil.MockTitle{ID: i, TitleEN: "Title", TitleRU: "Тайтл", Status: "ongoing", Chapters: 3})
	}
	up.AddPart(1, "1", 4)

	clk := testutil.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	logger := zerolog.Nop()

	st := store.New(redisClient, clk, logger)
	qm := quota.NewManager(st, quota.DefaultConfig(), clk, logger)

	peer, err := client.NewHTTPPeer(up.URL(), 5*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPPeer failed: %v", err)
	}
	pool, err := client.NewIdentityPool(client.DefaultIdentities, nil)
	if err != nil {
		t.Fatalf("NewIdentityPool failed: %v", err)
	}
	tracker := metrics.NewTracker(clk)
	c, err := client.New(peer, pool, client.DefaultConfig(),
		client.WithClock(clk),
		client.WithObserver(tracker),
		client.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}

	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	m, err := mediator.New(mediator.Deps{
		Store:    st,
		Quota:    qm,
		Upstream: c,
		Blobs:    blobs,
		Tracker:  tracker,
		Clock:    clk,
		Logger:   &logger,
	}, mediator.DefaultConfig())
	if err != nil {
		t.Fatalf("mediator.New failed: %v", err)
	}

	return &stack{mediator: m, store: st, quota: qm, upstream: up, clock: clk}
}

// TestFullRequestFlow covers search, metadata and part retrieval against
// real Redis: Quota → Cache → Upstream → Cache Update.
func TestFullRequestFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()
	s := newStack(t, redisClient)
	ctx := context.Background()

	res, err := s.mediator.Search(ctx, "title", nil, "alice", model.TierStandard)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if res.FromCache || len(res.Records) != 20 {
		t.Fatalf("first search = from_cache %v, %d records", res.FromCache, len(res.Records))
	}

	res, err = s.mediator.Search(ctx, "  TITLE ", nil, "bob", model.TierStandard)
	if err != nil {
		t.Fatalf("second Search failed: %v", err)
	}
	if !res.FromCache || res.Hits != 1 {
		t.Errorf("second search = from_cache %v hits %d, want cached with 1 hit", res.FromCache, res.Hits)
	}

	// Search populated the hot tier, so metadata is served without a call.
	meta, err := s.mediator.GetMetadata(ctx, 7, "alice", model.TierStandard)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if !meta.FromCache {
		t.Error("metadata after search should come from cache")
	}

	part, err := s.mediator.GetPart(ctx, 1, 1, "alice", model.TierStandard)
	if err != nil {
		t.Fatalf("GetPart failed: %v", err)
	}
	if part.Part.Pages != 4 || part.Part.Handle == "" {
		t.Errorf("part = %+v, want 4 pages and a handle", part.Part)
	}
	if _, err := s.mediator.Bundle(ctx, part.Part.Handle); err != nil {
		t.Errorf("Bundle failed: %v", err)
	}

	if got := s.upstream.RequestCount(""); got != 1+1+4 {
		t.Errorf("upstream requests = %d, want 6", got)
	}

	u, err := s.quota.Usage(ctx, "alice", model.TierStandard)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if u.Daily != 2 {
		t.Errorf("alice daily = %d, want 2", u.Daily)
	}
}

// TestQuotaUnderContention fires more distinct misses than the daily
// limit from one identity and expects exactly the limit to succeed.
func TestQuotaUnderContention(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()
	s := newStack(t, redisClient)
	ctx := context.Background()

	var allowed, denied atomic.Int32
	var wg sync.WaitGroup
	for id := int64(1); id <= 20; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := s.mediator.GetMetadata(ctx, id, "carol", model.TierStandard)
			switch {
			case err == nil:
				allowed.Add(1)
			case errors.Is(err, quota.ErrQuotaExceeded):
				denied.Add(1)
			default:
				t.Errorf("GetMetadata(%d) unexpected error: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	if allowed.Load() != quota.StandardDailyLimit {
		t.Errorf("allowed = %d, want %d", allowed.Load(), quota.StandardDailyLimit)
	}
	if denied.Load() != 20-quota.StandardDailyLimit {
		t.Errorf("denied = %d, want %d", denied.Load(), 20-quota.StandardDailyLimit)
	}

	u, err := s.quota.Usage(ctx, "carol", model.TierStandard)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if u.Daily != quota.StandardDailyLimit || u.Pending != 0 {
		t.Errorf("usage = %+v, want daily %d and nothing pending", u, quota.StandardDailyLimit)
	}

	// A new day resets the daily window but keeps the monthly count.
	s.clock.Advance(24 * time.Hour)
	if _, err := s.mediator.GetMetadata(ctx, 100, "carol", model.TierStandard); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("next-day fetch err = %v, want upstream not found", err)
	}
	u, _ = s.quota.Usage(ctx, "carol", model.TierStandard)
	if u.Monthly != quota.StandardDailyLimit {
		t.Errorf("monthly = %d, want %d", u.Monthly, quota.StandardDailyLimit)
	}
}

// TestPurgeExpiredQueries checks that the janitor removes expired query
// entries from real Redis and leaves content records alone.
func TestPurgeExpiredQueries(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()
	s := newStack(t, redisClient)
	ctx := context.Background()

	for _, q := range []string{"title", "тайтл", "nothing"} {
		if _, err := s.mediator.Search(ctx, q, nil, "dave", model.TierStandard); err != nil {
			t.Fatalf("Search(%q) failed: %v", q, err)
		}
	}

	s.clock.Advance(25 * time.Hour)
	n, err := s.mediator.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 3 {
		t.Errorf("purged = %d, want 3", n)
	}

	stats, err := s.store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.QueryEntries != 0 || stats.Contents != 20 {
		t.Errorf("stats = %+v, want 0 query entries and 20 contents", stats)
	}
}
