package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/manga-cache/internal/testutil"
	"github.com/Sternrassler/manga-cache/pkg/model"
	"github.com/Sternrassler/manga-cache/pkg/store"
)

var today = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

// stubStore keeps one record per identity in memory.
type stubStore struct {
	mu         sync.Mutex
	records    map[string]*model.QuotaRecord
	increments atomic.Int64
	err        error
	clock      *testutil.FakeClock
}

func newStubStore(clk *testutil.FakeClock) *stubStore {
	return &stubStore{records: make(map[string]*model.QuotaRecord), clock: clk}
}

func (s *stubStore) set(rec model.QuotaRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Identity] = &rec
}

func (s *stubStore) get(identity string) model.QuotaRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[identity]
}

func (s *stubStore) GetOrInitQuota(_ context.Context, identity string, tier model.Tier) (*model.QuotaRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identity]
	if !ok {
		rec = &model.QuotaRecord{Identity: identity, Tier: tier, Settings: model.DefaultSettings()}
		s.records[identity] = rec
	}
	cp := *rec
	return &cp, nil
}

func (s *stubStore) IncrementQuota(_ context.Context, identity string, caps store.Caps) (store.Increment, error) {
	if s.err != nil {
		return store.Increment{}, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[identity]
	if rec == nil {
		rec = &model.QuotaRecord{Identity: identity}
		s.records[identity] = rec
	}
	now := s.clock.Now()
	rec.Daily, rec.Monthly = rec.Effective(now)
	rec.LastRequestDate = now.Format(model.DateLayout)
	if (caps.Daily > 0 && rec.Daily >= caps.Daily) || (caps.Monthly > 0 && rec.Monthly >= caps.Monthly) {
		return store.Increment{Daily: rec.Daily, Monthly: rec.Monthly}, nil
	}
	rec.Daily++
	rec.Monthly++
	s.increments.Add(1)
	return store.Increment{Applied: true, Daily: rec.Daily, Monthly: rec.Monthly}, nil
}

func (s *stubStore) SaveSettings(_ context.Context, identity string, settings model.Settings) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[identity]
	if rec == nil {
		rec = &model.QuotaRecord{Identity: identity}
		s.records[identity] = rec
	}
	rec.Settings = settings
	return nil
}

func setupManager(t *testing.T) (*Manager, *stubStore, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(today)
	st := newStubStore(clk)
	return NewManager(st, DefaultConfig(), clk, zerolog.Nop()), st, clk
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.For(model.TierStandard); got.Daily != 10 || got.Monthly != 300 {
		t.Errorf("standard limits = %+v, want 10/300", got)
	}
	if got := cfg.For(model.TierElevated); got.Daily != 100 || got.Monthly != 3000 {
		t.Errorf("elevated limits = %+v, want 100/3000", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg.Standard.Daily = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero daily limit")
	}
}

func TestAuthorize_Decisions(t *testing.T) {
	tests := []struct {
		name       string
		tier       model.Tier
		record     model.QuotaRecord
		wantAllow  bool
		wantWindow Window
		wantDaily  int
	}{
		{
			name:      "fresh identity",
			tier:      model.TierStandard,
			record:    model.QuotaRecord{Identity: "u"},
			wantAllow: true,
		},
		{
			name:       "standard at daily limit",
			tier:       model.TierStandard,
			record:     model.QuotaRecord{Identity: "u", Daily: 10, Monthly: 10, LastRequestDate: "2024-03-10"},
			wantWindow: WindowDaily,
			wantDaily:  10,
		},
		{
			name:      "elevated below daily limit",
			tier:      model.TierElevated,
			record:    model.QuotaRecord{Identity: "u", Daily: 10, Monthly: 10, LastRequestDate: "2024-03-10"},
			wantAllow: true,
			wantDaily: 10,
		},
		{
			name:      "yesterday at limit resets",
			tier:      model.TierStandard,
			record:    model.QuotaRecord{Identity: "u", Daily: 10, Monthly: 10, LastRequestDate: "2024-03-09"},
			wantAllow: true,
			wantDaily: 0,
		},
		{
			name:       "monthly exhausted",
			tier:       model.TierStandard,
			record:     model.QuotaRecord{Identity: "u", Daily: 2, Monthly: 300, LastRequestDate: "2024-03-10"},
			wantWindow: WindowMonthly,
			wantDaily:  2,
		},
		{
			name:      "monthly exhausted last month",
			tier:      model.TierStandard,
			record:    model.QuotaRecord{Identity: "u", Daily: 2, Monthly: 300, LastRequestDate: "2024-02-28"},
			wantAllow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, st, _ := setupManager(t)
			st.set(tt.record)

			d, err := m.Authorize(context.Background(), "u", tt.tier)
			if err != nil {
				t.Fatalf("Authorize failed: %v", err)
			}
			if d.Allowed != tt.wantAllow {
				t.Errorf("Allowed = %v, want %v", d.Allowed, tt.wantAllow)
			}
			if !tt.wantAllow && d.Window != tt.wantWindow {
				t.Errorf("Window = %q, want %q", d.Window, tt.wantWindow)
			}
			if d.Daily != tt.wantDaily {
				t.Errorf("observed daily = %d, want %d", d.Daily, tt.wantDaily)
			}
		})
	}
}

func TestAuthorize_DenialLeavesCountersUntouched(t *testing.T) {
	m, st, _ := setupManager(t)
	st.set(model.QuotaRecord{Identity: "u", Daily: 10, Monthly: 25, LastRequestDate: "2024-03-10"})

	d, err := m.Authorize(context.Background(), "u", model.TierStandard)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}

	var exceeded *ExceededError
	if !errors.As(d.Err(), &exceeded) || exceeded.Window != WindowDaily {
		t.Fatalf("Err() = %v, want daily *ExceededError", d.Err())
	}
	if !errors.Is(d.Err(), ErrQuotaExceeded) {
		t.Error("ExceededError should match ErrQuotaExceeded")
	}
	if d.Reason() == "" {
		t.Error("denied decision should carry a reason")
	}

	rec := st.get("u")
	if rec.Daily != 10 || rec.Monthly != 25 {
		t.Errorf("counters changed to %d/%d", rec.Daily, rec.Monthly)
	}
	if st.increments.Load() != 0 {
		t.Errorf("increments = %d, want 0", st.increments.Load())
	}
}

func TestRecordUsage_ChargesOnlyOnce(t *testing.T) {
	m, st, _ := setupManager(t)
	ctx := context.Background()

	d, err := m.Authorize(ctx, "u", model.TierStandard)
	if err != nil || !d.Allowed {
		t.Fatalf("Authorize = %+v, %v", d, err)
	}
	if err := m.RecordUsage(ctx, "u"); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	usage, err := m.Usage(ctx, "u", model.TierStandard)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage.Daily != 1 || usage.Monthly != 1 || usage.Pending != 0 {
		t.Errorf("Usage = %+v, want 1/1 with nothing pending", usage)
	}
	if st.increments.Load() != 1 {
		t.Errorf("increments = %d, want 1", st.increments.Load())
	}
}

func TestRelease_DoesNotCharge(t *testing.T) {
	m, st, _ := setupManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Authorize(ctx, "u", model.TierStandard); err != nil {
			t.Fatalf("Authorize failed: %v", err)
		}
		m.Release("u")
	}

	usage, err := m.Usage(ctx, "u", model.TierStandard)
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if usage.Daily != 0 || usage.Pending != 0 {
		t.Errorf("Usage = %+v, want nothing charged or pending", usage)
	}
	if st.increments.Load() != 0 {
		t.Errorf("increments = %d, want 0", st.increments.Load())
	}
}

func TestAuthorize_ConcurrentReservationsNeverOvercommit(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.Authorize(ctx, "burst", model.TierStandard)
			if err != nil {
				t.Errorf("Authorize failed: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != StandardDailyLimit {
		t.Errorf("allowed = %d, want %d", allowed.Load(), StandardDailyLimit)
	}
}

func TestAuthorize_StorageFailurePropagates(t *testing.T) {
	m, st, _ := setupManager(t)
	st.err = store.ErrUnavailable

	_, err := m.Authorize(context.Background(), "u", model.TierStandard)
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Authorize error = %v, want ErrUnavailable", err)
	}
}

func TestSettings_RoundTrip(t *testing.T) {
	m, _, _ := setupManager(t)
	ctx := context.Background()

	if err := m.UpdateSettings(ctx, "u", model.Settings{BatchSize: 0, OutputFormat: model.FormatPDF}); err == nil {
		t.Error("expected validation error for batch size 0")
	}

	want := model.Settings{BatchSize: 8, OutputFormat: model.FormatTelegraph}
	if err := m.UpdateSettings(ctx, "u", want); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	got, err := m.Settings(ctx, "u", model.TierStandard)
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if got.BatchSize != 8 || got.OutputFormat != model.FormatTelegraph {
		t.Errorf("Settings = %+v, want %+v", got, want)
	}
}

func TestManager_WithRedisStore(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	clk := testutil.NewFakeClock(today)
	st := store.New(client, clk, zerolog.Nop())
	m := NewManager(st, DefaultConfig(), clk, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < StandardDailyLimit; i++ {
		d, err := m.Authorize(ctx, "real", model.TierStandard)
		if err != nil || !d.Allowed {
			t.Fatalf("Authorize #%d = %+v, %v", i+1, d, err)
		}
		if err := m.RecordUsage(ctx, "real"); err != nil {
			t.Fatalf("RecordUsage failed: %v", err)
		}
	}

	d, err := m.Authorize(ctx, "real", model.TierStandard)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if d.Allowed || d.Window != WindowDaily {
		t.Errorf("11th call = %+v, want daily denial", d)
	}

	clk.Advance(24 * time.Hour)
	d, err = m.Authorize(ctx, "real", model.TierStandard)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !d.Allowed || d.Daily != 0 || d.Monthly != StandardDailyLimit {
		t.Errorf("next day = %+v, want allowed with daily 0 and monthly 10", d)
	}
}
