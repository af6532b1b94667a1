package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/manga-cache/pkg/model"
)

// initQuotaScript creates the quota hash on first sight and keeps the
// stored tier in line with the caller's view of it.
// ARGV: identity, tier, created_at (RFC3339).
var initQuotaScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('HSET', KEYS[1], 'identity', ARGV[1], 'tier', ARGV[2], 'daily', 0, 'monthly', 0, 'last_date', '', 'created_at', ARGV[3])
	redis.call('SADD', KEYS[2], ARGV[1])
elseif redis.call('HGET', KEYS[1], 'tier') ~= ARGV[2] then
	redis.call('HSET', KEYS[1], 'tier', ARGV[2])
end
return redis.call('HGETALL', KEYS[1])
`)

// incrementQuotaScript applies the daily and monthly resets for ARGV[1]
// (today, YYYY-MM-DD) and then increments both counters, unless one of
// them already reached its cap (ARGV[2] daily, ARGV[3] monthly, 0 = none).
// Returns {applied, daily, monthly}.
var incrementQuotaScript = redis.NewScript(`
local today = ARGV[1]
local last = redis.call('HGET', KEYS[1], 'last_date') or ''
local daily = tonumber(redis.call('HGET', KEYS[1], 'daily') or '0')
local monthly = tonumber(redis.call('HGET', KEYS[1], 'monthly') or '0')
if last ~= today then
	daily = 0
end
if string.sub(last, 1, 7) ~= string.sub(today, 1, 7) then
	monthly = 0
end
local dcap = tonumber(ARGV[2])
local mcap = tonumber(ARGV[3])
local applied = 1
if (dcap > 0 and daily >= dcap) or (mcap > 0 and monthly >= mcap) then
	applied = 0
else
	daily = daily + 1
	monthly = monthly + 1
end
redis.call('HSET', KEYS[1], 'daily', daily, 'monthly', monthly, 'last_date', today)
if redis.call('HEXISTS', KEYS[1], 'created_at') == 0 then
	redis.call('HSET', KEYS[1], 'identity', ARGV[4], 'tier', 'standard', 'created_at', ARGV[5])
	redis.call('SADD', KEYS[2], ARGV[4])
end
return {applied, daily, monthly}
`)

// Caps bounds IncrementQuota. Zero means no cap for that window.
type Caps struct {
	Daily   int
	Monthly int
}

// Increment is the outcome of IncrementQuota.
type Increment struct {
	// Applied is false when a cap was already reached and nothing was counted.
	Applied bool
	Daily   int
	Monthly int
}

func quotaKey(identity string) string {
	return quotaKeyPrefix + identity
}

// GetOrInitQuota returns the quota record of identity, creating it with
// zero counters when missing. Counters are returned as stored; resets are
// applied by the reader (model.QuotaRecord.Effective) and by IncrementQuota.
func (s *Store) GetOrInitQuota(ctx context.Context, identity string, tier model.Tier) (*model.QuotaRecord, error) {
	if identity == "" {
		return nil, errors.New("identity cannot be empty")
	}

	flat, err := initQuotaScript.Run(ctx, s.redis,
		[]string{quotaKey(identity), quotaIndexKey},
		identity, string(tier), s.clock.Now().UTC().Format(time.RFC3339),
	).StringSlice()
	if err != nil {
		return nil, unavailable("get_or_init_quota", err)
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}

	rec, err := decodeQuota(identity, fields)
	if err != nil {
		return nil, invalid("get_or_init_quota", err)
	}
	return rec, nil
}

// IncrementQuota runs reset-then-increment for identity as one atomic step.
func (s *Store) IncrementQuota(ctx context.Context, identity string, caps Caps) (Increment, error) {
	if identity == "" {
		return Increment{}, errors.New("identity cannot be empty")
	}

	now := s.clock.Now()
	vals, err := incrementQuotaScript.Run(ctx, s.redis,
		[]string{quotaKey(identity), quotaIndexKey},
		now.Format(model.DateLayout), caps.Daily, caps.Monthly,
		identity, now.UTC().Format(time.RFC3339),
	).Int64Slice()
	if err != nil {
		return Increment{}, unavailable("increment_quota", err)
	}
	if len(vals) != 3 {
		return Increment{}, invalid("increment_quota", fmt.Errorf("unexpected script reply %v", vals))
	}

	return Increment{
		Applied: vals[0] == 1,
		Daily:   int(vals[1]),
		Monthly: int(vals[2]),
	}, nil
}

// SaveSettings replaces the settings blob of identity, creating the quota
// record if needed.
func (s *Store) SaveSettings(ctx context.Context, identity string, settings model.Settings) error {
	if identity == "" {
		return errors.New("identity cannot be empty")
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	key := quotaKey(identity)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "identity", identity)
		pipe.HSetNX(ctx, key, "tier", string(model.TierStandard))
		pipe.HSetNX(ctx, key, "daily", 0)
		pipe.HSetNX(ctx, key, "monthly", 0)
		pipe.HSetNX(ctx, key, "created_at", s.clock.Now().UTC().Format(time.RFC3339))
		pipe.HSet(ctx, key, "settings", string(data))
		pipe.SAdd(ctx, quotaIndexKey, identity)
		return nil
	})
	if err != nil {
		return unavailable("save_settings", err)
	}
	return nil
}

func decodeQuota(identity string, fields map[string]string) (*model.QuotaRecord, error) {
	rec := &model.QuotaRecord{
		Identity:        identity,
		Tier:            model.Tier(fields["tier"]),
		LastRequestDate: fields["last_date"],
		Settings:        model.DefaultSettings(),
	}

	var err error
	if rec.Daily, err = atoiDefault(fields["daily"]); err != nil {
		return nil, fmt.Errorf("daily: %w", err)
	}
	if rec.Monthly, err = atoiDefault(fields["monthly"]); err != nil {
		return nil, fmt.Errorf("monthly: %w", err)
	}
	if raw := fields["settings"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Settings); err != nil {
			return nil, err
		}
	}
	if raw := fields["created_at"]; raw != "" {
		if rec.CreatedAt, err = time.Parse(time.RFC3339, raw); err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
	}
	return rec, nil
}

func atoiDefault(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
