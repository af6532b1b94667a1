package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/manga-cache/internal/testutil"
	"github.com/Sternrassler/manga-cache/pkg/model"
)

var testStart = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	clk := testutil.NewFakeClock(testStart)
	return New(client, clk, zerolog.Nop()), clk
}

func TestNew_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("New should panic with nil redis client")
		}
	}()
	New(nil, nil, zerolog.Nop())
}

func TestStore_ContentRoundTrip(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	rec := &model.ContentRecord{
		ID:      42,
		TitleRU: "Наруто",
		TitleEN: "Naruto",
		Genres:  []string{"Action", "Shounen"},
		Status:  model.StatusCompleted,
		Rating:  8.7,
		Kind:    "manga",
	}
	if err := st.PutContent(ctx, rec); err != nil {
		t.Fatalf("PutContent failed: %v", err)
	}

	got, err := st.GetContent(ctx, 42)
	if err != nil {
		t.Fatalf("GetContent failed: %v", err)
	}
	if got.TitleEN != "Naruto" || len(got.Genres) != 2 {
		t.Errorf("GetContent = %+v, want stored record", got)
	}
	if !got.LastSynced.Equal(testStart) {
		t.Errorf("LastSynced = %v, want %v", got.LastSynced, testStart)
	}

	if _, err := st.GetContent(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetContent(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_GetContents_PreservesOrderAndSkipsMissing(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	recs := []model.ContentRecord{{ID: 1, TitleEN: "one"}, {ID: 2, TitleEN: "two"}, {ID: 3, TitleEN: "three"}}
	if err := st.PutContents(ctx, recs); err != nil {
		t.Fatalf("PutContents failed: %v", err)
	}

	got, err := st.GetContents(ctx, []int64{3, 99, 1})
	if err != nil {
		t.Fatalf("GetContents failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 1 {
		t.Errorf("GetContents = %+v, want ids [3 1]", got)
	}
}

func TestStore_IsContentFresh(t *testing.T) {
	st, clk := setupStore(t)
	ctx := context.Background()

	if err := st.PutContent(ctx, &model.ContentRecord{ID: 5}); err != nil {
		t.Fatalf("PutContent failed: %v", err)
	}

	clk.Advance(23*time.Hour + 59*time.Minute)
	fresh, err := st.IsContentFresh(ctx, 5, 24*time.Hour)
	if err != nil || !fresh {
		t.Errorf("IsContentFresh at 23h59m = %v, %v; want true", fresh, err)
	}

	clk.Advance(2 * time.Minute)
	fresh, err = st.IsContentFresh(ctx, 5, 24*time.Hour)
	if err != nil || fresh {
		t.Errorf("IsContentFresh at 24h01m = %v, %v; want false", fresh, err)
	}

	fresh, err = st.IsContentFresh(ctx, 404, 24*time.Hour)
	if err != nil || fresh {
		t.Errorf("IsContentFresh(missing) = %v, %v; want false, nil", fresh, err)
	}
}

func TestStore_PartHandle(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	if _, err := st.GetPartHandle(ctx, 42, 10.5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPartHandle(missing) error = %v, want ErrNotFound", err)
	}

	part := &model.ContentPart{ContentID: 42, Number: 10.5, ExternalID: "9001", Title: "Extra", Pages: 18}
	if err := st.PutPart(ctx, part); err != nil {
		t.Fatalf("PutPart failed: %v", err)
	}
	if _, err := st.GetPartHandle(ctx, 42, 10.5); !errors.Is(err, ErrNotFound) {
		t.Errorf("part without handle should report ErrNotFound, got %v", err)
	}

	if err := st.PutPartHandle(ctx, 42, 10.5, "abc"); err != nil {
		t.Fatalf("PutPartHandle failed: %v", err)
	}
	handle, err := st.GetPartHandle(ctx, 42, 10.5)
	if err != nil || handle != "abc" {
		t.Errorf("GetPartHandle = %q, %v; want abc", handle, err)
	}

	// Re-upserting metadata without a handle keeps the stored handle.
	if err := st.PutPart(ctx, part); err != nil {
		t.Fatalf("PutPart failed: %v", err)
	}
	got, err := st.GetPart(ctx, 42, 10.5)
	if err != nil {
		t.Fatalf("GetPart failed: %v", err)
	}
	if got.Handle != "abc" || got.Pages != 18 || got.ExternalID != "9001" {
		t.Errorf("GetPart = %+v, want handle abc, 18 pages, external id 9001", got)
	}

	// Part 10 and 10.5 are distinct.
	if _, err := st.GetPartHandle(ctx, 42, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("part 10 should be unknown, got %v", err)
	}
}

func TestStore_PutPartHandle_ConcurrentWritersConverge(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.PutPartHandle(ctx, 1, 1, "same-content-hash"); err != nil {
				t.Errorf("PutPartHandle failed: %v", err)
			}
		}()
	}
	wg.Wait()

	handle, err := st.GetPartHandle(ctx, 1, 1)
	if err != nil || handle != "same-content-hash" {
		t.Errorf("GetPartHandle = %q, %v", handle, err)
	}
	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.StoredParts != 1 {
		t.Errorf("StoredParts = %d, want 1", stats.StoredParts)
	}
}

func TestStore_QueryCache_HitCounting(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	filters := map[string]string{"order_by": "popular"}
	if _, err := st.PutQueryCache(ctx, "h1", "naruto", filters, []int64{3, 1, 2}, 24*time.Hour); err != nil {
		t.Fatalf("PutQueryCache failed: %v", err)
	}

	for want := int64(1); want <= 3; want++ {
		entry, err := st.GetQueryCache(ctx, "h1")
		if err != nil {
			t.Fatalf("GetQueryCache failed: %v", err)
		}
		if entry.Hits != want {
			t.Errorf("Hits = %d, want %d", entry.Hits, want)
		}
		if len(entry.ContentIDs) != 3 || entry.ContentIDs[0] != 3 || entry.ContentIDs[2] != 2 {
			t.Errorf("ContentIDs = %v, want [3 1 2]", entry.ContentIDs)
		}
		if entry.Filters["order_by"] != "popular" || entry.Query != "naruto" {
			t.Errorf("entry = %+v, want query and filters preserved", entry)
		}
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.QueryHits != 3 || stats.QueryEntries != 1 {
		t.Errorf("Stats = %+v, want 3 hits over 1 entry", stats)
	}
}

func TestStore_PeekQueryCache_DoesNotCountHits(t *testing.T) {
	st, clk := setupStore(t)
	ctx := context.Background()

	if _, err := st.PeekQueryCache(ctx, "h3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PeekQueryCache on missing entry error = %v, want ErrNotFound", err)
	}
	if _, err := st.PutQueryCache(ctx, "h3", "berserk", nil, []int64{4, 5}, 24*time.Hour); err != nil {
		t.Fatalf("PutQueryCache failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		entry, err := st.PeekQueryCache(ctx, "h3")
		if err != nil {
			t.Fatalf("PeekQueryCache failed: %v", err)
		}
		if entry.Hits != 0 || len(entry.ContentIDs) != 2 {
			t.Errorf("peeked entry = %+v, want 0 hits and 2 ids", entry)
		}
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.QueryHits != 0 {
		t.Errorf("QueryHits = %d, want 0 after peeks", stats.QueryHits)
	}

	clk.Advance(24 * time.Hour)
	if _, err := st.PeekQueryCache(ctx, "h3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PeekQueryCache at expiry error = %v, want ErrNotFound", err)
	}
}

func TestStore_QueryCache_Expiry(t *testing.T) {
	st, clk := setupStore(t)
	ctx := context.Background()

	if _, err := st.PutQueryCache(ctx, "h2", "one piece", nil, []int64{9}, 24*time.Hour); err != nil {
		t.Fatalf("PutQueryCache failed: %v", err)
	}

	clk.Advance(24 * time.Hour)
	if _, err := st.GetQueryCache(ctx, "h2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetQueryCache at expiry error = %v, want ErrNotFound", err)
	}

	// Refreshing replaces the entry and resets the hit counter.
	if _, err := st.PutQueryCache(ctx, "h2", "one piece", nil, []int64{10}, 24*time.Hour); err != nil {
		t.Fatalf("PutQueryCache failed: %v", err)
	}
	entry, err := st.GetQueryCache(ctx, "h2")
	if err != nil {
		t.Fatalf("GetQueryCache failed: %v", err)
	}
	if entry.Hits != 1 || entry.ContentIDs[0] != 10 {
		t.Errorf("refreshed entry = %+v, want hits 1 and ids [10]", entry)
	}
}

func TestStore_PurgeExpired(t *testing.T) {
	st, clk := setupStore(t)
	st.SetPurgeBatch(2)
	ctx := context.Background()

	for _, h := range []string{"a", "b", "c", "d", "e"} {
		if _, err := st.PutQueryCache(ctx, h, h, nil, []int64{1}, time.Hour); err != nil {
			t.Fatalf("PutQueryCache(%s) failed: %v", h, err)
		}
	}
	if _, err := st.PutQueryCache(ctx, "keep", "keep", nil, []int64{1}, 48*time.Hour); err != nil {
		t.Fatalf("PutQueryCache(keep) failed: %v", err)
	}
	if err := st.PutContent(ctx, &model.ContentRecord{ID: 1}); err != nil {
		t.Fatalf("PutContent failed: %v", err)
	}

	clk.Advance(2 * time.Hour)
	n, err := st.PurgeExpired(ctx, clk.Now())
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 5 {
		t.Errorf("PurgeExpired removed %d entries, want 5", n)
	}

	if _, err := st.GetQueryCache(ctx, "keep"); err != nil {
		t.Errorf("unexpired entry should survive purge: %v", err)
	}
	if _, err := st.GetContent(ctx, 1); err != nil {
		t.Errorf("content records must never be purged: %v", err)
	}
}

func TestStore_Quota_ResetThenIncrement(t *testing.T) {
	st, clk := setupStore(t)
	ctx := context.Background()

	rec, err := st.GetOrInitQuota(ctx, "user-1", model.TierStandard)
	if err != nil {
		t.Fatalf("GetOrInitQuota failed: %v", err)
	}
	if rec.Daily != 0 || rec.Monthly != 0 || rec.Tier != model.TierStandard {
		t.Errorf("new record = %+v, want zero counters, standard tier", rec)
	}
	if rec.Settings.BatchSize != 5 {
		t.Errorf("new record settings = %+v, want defaults", rec.Settings)
	}

	for i := 0; i < 3; i++ {
		if _, err := st.IncrementQuota(ctx, "user-1", Caps{}); err != nil {
			t.Fatalf("IncrementQuota failed: %v", err)
		}
	}

	clk.Advance(24 * time.Hour)
	inc, err := st.IncrementQuota(ctx, "user-1", Caps{})
	if err != nil {
		t.Fatalf("IncrementQuota failed: %v", err)
	}
	if inc.Daily != 1 || inc.Monthly != 4 {
		t.Errorf("next-day increment = %+v, want daily 1, monthly 4", inc)
	}

	clk.Set(time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC))
	inc, err = st.IncrementQuota(ctx, "user-1", Caps{})
	if err != nil {
		t.Fatalf("IncrementQuota failed: %v", err)
	}
	if inc.Daily != 1 || inc.Monthly != 1 {
		t.Errorf("next-month increment = %+v, want daily 1, monthly 1", inc)
	}

	rec, err = st.GetOrInitQuota(ctx, "user-1", model.TierElevated)
	if err != nil {
		t.Fatalf("GetOrInitQuota failed: %v", err)
	}
	if rec.Tier != model.TierElevated || rec.LastRequestDate != "2024-04-01" {
		t.Errorf("record = %+v, want elevated tier and last date 2024-04-01", rec)
	}
}

func TestStore_IncrementQuota_Caps(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := st.IncrementQuota(ctx, "u", Caps{Daily: 2, Monthly: 10}); err != nil {
			t.Fatalf("IncrementQuota failed: %v", err)
		}
	}
	inc, err := st.IncrementQuota(ctx, "u", Caps{Daily: 2, Monthly: 10})
	if err != nil {
		t.Fatalf("IncrementQuota failed: %v", err)
	}
	if inc.Applied || inc.Daily != 2 {
		t.Errorf("capped increment = %+v, want not applied with daily 2", inc)
	}
}

func TestStore_IncrementQuota_Concurrent(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.IncrementQuota(ctx, "busy", Caps{}); err != nil {
				t.Errorf("IncrementQuota failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := st.GetOrInitQuota(ctx, "busy", model.TierStandard)
	if err != nil {
		t.Fatalf("GetOrInitQuota failed: %v", err)
	}
	if rec.Daily != 50 || rec.Monthly != 50 {
		t.Errorf("counters = %d/%d, want 50/50 (no lost updates)", rec.Daily, rec.Monthly)
	}
}

func TestStore_SaveSettings(t *testing.T) {
	st, _ := setupStore(t)
	ctx := context.Background()

	settings := model.Settings{BatchSize: 10, OutputFormat: model.FormatTelegraph}
	if err := st.SaveSettings(ctx, "reader", settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	rec, err := st.GetOrInitQuota(ctx, "reader", model.TierStandard)
	if err != nil {
		t.Fatalf("GetOrInitQuota failed: %v", err)
	}
	if rec.Settings.BatchSize != 10 || rec.Settings.OutputFormat != model.FormatTelegraph {
		t.Errorf("Settings = %+v, want saved values", rec.Settings)
	}
}

func TestStore_UnavailableIsNotAMiss(t *testing.T) {
	client, mr := testutil.NewRedis(t)
	st := New(client, testutil.NewFakeClock(testStart), zerolog.Nop())
	ctx := context.Background()

	mr.SetError("LOADING Redis is loading the dataset in memory")

	if _, err := st.GetContent(ctx, 1); !errors.Is(err, ErrUnavailable) {
		t.Errorf("GetContent error = %v, want ErrUnavailable", err)
	}
	if _, err := st.GetPartHandle(ctx, 1, 1); !errors.Is(err, ErrUnavailable) {
		t.Errorf("GetPartHandle error = %v, want ErrUnavailable", err)
	}
	if _, err := st.GetQueryCache(ctx, "h"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("GetQueryCache error = %v, want ErrUnavailable", err)
	}
	if _, err := st.GetOrInitQuota(ctx, "u", model.TierStandard); !errors.Is(err, ErrUnavailable) {
		t.Errorf("GetOrInitQuota error = %v, want ErrUnavailable", err)
	}
}
