package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// purgeScript deletes at most ARGV[2] query entries whose expiry score is
// at or before ARGV[1]. One batch runs atomically; the batch bound keeps
// Redis responsive for live request paths.
var purgeScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, hash in ipairs(members) do
	redis.call('DEL', ARGV[3] .. hash)
	redis.call('ZREM', KEYS[1], hash)
end
return #members
`)

// PurgeExpired deletes every query-cache entry expired at now and returns
// how many were removed. Content and part records are left alone.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		n, err := purgeScript.Run(ctx, s.redis,
			[]string{queryExpiryKey},
			now.UnixMilli(), s.purgeBatch, queryKeyPrefix,
		).Int()
		if err != nil {
			return total, unavailable("purge_expired", err)
		}
		total += n
		if n < s.purgeBatch {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	queryPurged.Add(float64(total))
	s.logger.Info().
		Int("purged", total).
		Time("cutoff", now).
		Msg("Purged expired query cache entries")

	return total, nil
}
