package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// Stats summarises what the durable tier currently holds.
type Stats struct {
	Contents     int64 `json:"contents"`
	Parts        int64 `json:"parts"`
	StoredParts  int64 `json:"stored_parts"`
	QueryEntries int64 `json:"query_entries"`
	QueryHits    int64 `json:"query_hits"`
	Identities   int64 `json:"identities"`
}

// Stats counts records per family using the index keys.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		contents   *redis.IntCmd
		parts      *redis.IntCmd
		stored     *redis.IntCmd
		queries    *redis.IntCmd
		hits       *redis.StringCmd
		identities *redis.IntCmd
	)

	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		contents = pipe.SCard(ctx, contentIndexKey)
		parts = pipe.SCard(ctx, partIndexKey)
		stored = pipe.SCard(ctx, partHandlesKey)
		queries = pipe.ZCard(ctx, queryExpiryKey)
		hits = pipe.Get(ctx, queryHitsKey)
		identities = pipe.SCard(ctx, quotaIndexKey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, unavailable("stats", err)
	}

	totalHits, err := hits.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, invalid("stats", err)
	}

	return Stats{
		Contents:     contents.Val(),
		Parts:        parts.Val(),
		StoredParts:  stored.Val(),
		QueryEntries: queries.Val(),
		QueryHits:    totalHits,
		Identities:   identities.Val(),
	}, nil
}
