package mediator

import (
	"context"
	"errors"

	"github.com/Sternrassler/manga-cache/pkg/client"
	"github.com/Sternrassler/manga-cache/pkg/model"
	"github.com/Sternrassler/manga-cache/pkg/store"
)

// SearchResult is the answer to a search, in upstream order.
type SearchResult struct {
	Hash      string                `json:"hash"`
	Records   []model.ContentRecord `json:"records"`
	FromCache bool                  `json:"from_cache"`
	Hits      int64                 `json:"hits"`
}

// Search answers query with filters. A cached, unexpired result set is
// served without touching quota; otherwise identity is charged for one
// upstream search.
func (m *Mediator) Search(ctx context.Context, query string, filters map[string]string, identity string, tier model.Tier) (*SearchResult, error) {
	key := NewQueryKey(query, filters)
	hash := key.Hash()

	entry, err := m.store.GetQueryCache(ctx, hash)
	switch {
	case err == nil:
		records, err := m.store.GetContents(ctx, entry.ContentIDs)
		if err != nil {
			return nil, err
		}
		m.tracker.RecordHit()
		m.logger.Debug().Str("hash", hash).Int64("hits", entry.Hits).Msg("Search served from cache")
		return &SearchResult{Hash: hash, Records: records, FromCache: true, Hits: entry.Hits}, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	m.tracker.RecordMiss()
	if err := m.authorize(ctx, identity, tier); err != nil {
		return nil, err
	}

	v, err := m.shared(ctx, searchFlight(hash), identity, func(ctx context.Context) (any, bool, error) {
		current, err := m.store.PeekQueryCache(ctx, hash)
		switch {
		case err == nil:
			records, err := m.store.GetContents(ctx, current.ContentIDs)
			if err != nil {
				return nil, false, err
			}
			return &SearchResult{Hash: hash, Records: records, FromCache: true, Hits: current.Hits}, false, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, err
		}

		body, err := m.upstream.Fetch(ctx, client.SearchRequest(key.Query, key.Filters))
		if err != nil {
			return nil, true, err
		}
		records, err := decodeSearch(body, m.clock.Now())
		if err != nil {
			return nil, true, err
		}
		if err := m.store.PutContents(ctx, records); err != nil {
			return nil, true, err
		}

		ids := make([]int64, len(records))
		for i := range records {
			ids[i] = records[i].ID
		}
		if _, err := m.store.PutQueryCache(ctx, hash, key.Query, key.Filters, ids, m.config.SearchTTL); err != nil {
			return nil, true, err
		}

		m.logger.Info().
			Str("query", key.Query).
			Int("results", len(records)).
			Msg("Search fetched from upstream")
		return &SearchResult{Hash: hash, Records: records}, true, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SearchResult), nil
}
