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

// getQueryScript returns the entry and bumps its hit counter, unless the
// entry is missing or expired at ARGV[1] (unix millis).
var getQueryScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp then
	return false
end
if tonumber(exp) <= tonumber(ARGV[1]) then
	return false
end
redis.call('HINCRBY', KEYS[1], 'hits', 1)
redis.call('INCR', KEYS[2])
return redis.call('HGETALL', KEYS[1])
`)

// peekQueryScript returns the entry without counting a hit, unless it is
// missing or expired at ARGV[1] (unix millis).
var peekQueryScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp then
	return false
end
if tonumber(exp) <= tonumber(ARGV[1]) then
	return false
end
return redis.call('HGETALL', KEYS[1])
`)

func queryKey(hash string) string {
	return queryKeyPrefix + hash
}

// GetQueryCache returns the unexpired entry for hash and counts the read
// as a hit. Missing and expired entries yield ErrNotFound and do not
// touch the hit counter.
func (s *Store) GetQueryCache(ctx context.Context, hash string) (*model.QueryCacheEntry, error) {
	entry, err := s.runQueryScript(ctx, getQueryScript, "get_query_cache", hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			queryLookups.WithLabelValues("miss").Inc()
		}
		return nil, err
	}
	queryLookups.WithLabelValues("hit").Inc()
	return entry, nil
}

// PeekQueryCache is GetQueryCache without the hit accounting. It lets a
// fetch that lost the race to another caller reuse the fresh entry.
func (s *Store) PeekQueryCache(ctx context.Context, hash string) (*model.QueryCacheEntry, error) {
	return s.runQueryScript(ctx, peekQueryScript, "peek_query_cache", hash)
}

func (s *Store) runQueryScript(ctx context.Context, script *redis.Script, op, hash string) (*model.QueryCacheEntry, error) {
	flat, err := script.Run(ctx, s.redis,
		[]string{queryKey(hash), queryHitsKey},
		s.clock.Now().UnixMilli(),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable(op, err)
	}

	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		fields[flat[i]] = flat[i+1]
	}

	entry, err := decodeQueryEntry(hash, fields)
	if err != nil {
		return nil, invalid(op, err)
	}
	return entry, nil
}

// PutQueryCache stores a fresh result set for hash, replacing any previous
// entry as a whole (hit counter starts again at zero).
func (s *Store) PutQueryCache(ctx context.Context, hash, text string, filters map[string]string, ids []int64, ttl time.Duration) (*model.QueryCacheEntry, error) {
	if hash == "" {
		return nil, errors.New("query hash cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("query cache ttl must be positive (got %s)", ttl)
	}
	if ids == nil {
		ids = []int64{}
	}

	now := s.clock.Now()
	entry := &model.QueryCacheEntry{
		Hash:       hash,
		Query:      text,
		Filters:    filters,
		ContentIDs: ids,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("marshal filters: %w", err)
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal content ids: %w", err)
	}

	key := queryKey(hash)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"query", text,
			"filters", string(filtersJSON),
			"ids", string(idsJSON),
			"hits", 0,
			"created_at", entry.CreatedAt.UnixMilli(),
			"expires_at", entry.ExpiresAt.UnixMilli(),
		)
		pipe.ZAdd(ctx, queryExpiryKey, redis.Z{
			Score:  float64(entry.ExpiresAt.UnixMilli()),
			Member: hash,
		})
		return nil
	})
	if err != nil {
		return nil, unavailable("put_query_cache", err)
	}
	return entry, nil
}

func decodeQueryEntry(hash string, fields map[string]string) (*model.QueryCacheEntry, error) {
	entry := &model.QueryCacheEntry{
		Hash:  hash,
		Query: fields["query"],
	}

	if raw := fields["filters"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &entry.Filters); err != nil {
			return nil, fmt.Errorf("filters: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(fields["ids"]), &entry.ContentIDs); err != nil {
		return nil, fmt.Errorf("ids: %w", err)
	}

	hits, err := strconv.ParseInt(fields["hits"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("hits: %w", err)
	}
	entry.Hits = hits

	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}
	entry.CreatedAt = time.UnixMilli(created)
	entry.ExpiresAt = time.UnixMilli(expires)

	return entry, nil
}
