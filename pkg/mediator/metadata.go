package mediator

import (
	"context"
	"errors"

	"github.com/Sternrassler/manga-cache/pkg/client"
	"github.com/Sternrassler/manga-cache/pkg/model"
	"github.com/Sternrassler/manga-cache/pkg/store"
)

// MetadataResult carries a content record. Stale is set when the record
// is older than the metadata window and could not be refreshed.
type MetadataResult struct {
	Record    model.ContentRecord `json:"record"`
	FromCache bool                `json:"from_cache"`
	Stale     bool                `json:"stale"`
}

// GetMetadata returns the record of contentID, refreshing it from the
// upstream when it is missing or stale. If a refresh fails and a stale
// record exists, the stale record is returned instead of the error.
func (m *Mediator) GetMetadata(ctx context.Context, contentID int64, identity string, tier model.Tier) (*MetadataResult, error) {
	cached, err := m.store.GetContent(ctx, contentID)
	switch {
	case err == nil:
		if cached.IsFresh(m.clock.Now(), m.config.MetadataTTL) {
			m.tracker.RecordHit()
			return &MetadataResult{Record: *cached, FromCache: true}, nil
		}
	case errors.Is(err, store.ErrNotFound):
		cached = nil
	default:
		return nil, err
	}

	m.tracker.RecordMiss()
	if err := m.authorize(ctx, identity, tier); err != nil {
		return nil, err
	}

	v, err := m.shared(ctx, contentFlight(contentID), identity, func(ctx context.Context) (any, bool, error) {
		current, err := m.store.GetContent(ctx, contentID)
		if err == nil && current.IsFresh(m.clock.Now(), m.config.MetadataTTL) {
			return &MetadataResult{Record: *current, FromCache: true}, false, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}

		body, err := m.upstream.Fetch(ctx, client.ContentRequest(contentID))
		if err != nil {
			return nil, true, err
		}
		rec, err := decodeContent(body, m.clock.Now())
		if err != nil {
			return nil, true, err
		}
		if err := m.store.PutContent(ctx, rec); err != nil {
			return nil, true, err
		}
		return &MetadataResult{Record: *rec}, true, nil
	})
	if err == nil {
		return v.(*MetadataResult), nil
	}

	if cached != nil && isUpstreamFailure(err) {
		m.logger.Warn().
			Err(err).
			Int64("content_id", contentID).
			Time("last_synced", cached.LastSynced).
			Msg("Refresh failed, serving stale record")
		return &MetadataResult{Record: *cached, FromCache: true, Stale: true}, nil
	}
	return nil, err
}
