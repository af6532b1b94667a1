package mediator

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/Sternrassler/manga-cache/pkg/blob"
	"github.com/Sternrassler/manga-cache/pkg/client"
	"github.com/Sternrassler/manga-cache/pkg/model"
	"github.com/Sternrassler/manga-cache/pkg/store"
)

// PartResult carries a stored part and its bundle. Payload is the
// bundle itself, read back from the cold tier on a hit.
type PartResult struct {
	Part      model.ContentPart `json:"part"`
	Payload   []byte            `json:"-"`
	FromCache bool              `json:"from_cache"`
}

// GetPart returns the bundle of the part of contentID numbered number.
// On first request the part's pages are downloaded, bundled and stored;
// later requests read the bundle from the cold tier. A recorded part
// whose bundle is gone is assembled again.
func (m *Mediator) GetPart(ctx context.Context, contentID int64, number float64, identity string, tier model.Tier) (*PartResult, error) {
	stored, err := m.storedPart(ctx, contentID, number)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		m.tracker.RecordHit()
		return stored, nil
	}

	m.tracker.RecordMiss()
	if err := m.authorize(ctx, identity, tier); err != nil {
		return nil, err
	}

	v, err := m.shared(ctx, partFlight(contentID, number), identity, func(ctx context.Context) (any, bool, error) {
		stored, err := m.storedPart(ctx, contentID, number)
		if err != nil {
			return nil, false, err
		}
		if stored != nil {
			return stored, false, nil
		}
		result, err := m.assemblePart(ctx, contentID, number)
		return result, true, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*PartResult), nil
}

// storedPart resolves a recorded part through the cold tier. It returns
// nil and no error when the part was never assembled or its bundle is
// missing.
func (m *Mediator) storedPart(ctx context.Context, contentID int64, number float64) (*PartResult, error) {
	part, err := m.store.GetPart(ctx, contentID, number)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	case !part.HasHandle():
		return nil, nil
	}

	payload, err := m.blobs.Get(ctx, part.Handle)
	if errors.Is(err, blob.ErrNotFound) {
		m.logger.Warn().
			Int64("content_id", contentID).
			Str("part", model.FormatPartNumber(number)).
			Str("handle", part.Handle).
			Msg("Stored bundle missing, part will be assembled again")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return &PartResult{Part: *part, Payload: payload, FromCache: true}, nil
}

// assemblePart downloads the manifest and every page, bundles them and
// records the handle. Nothing is stored unless every page arrived.
func (m *Mediator) assemblePart(ctx context.Context, contentID int64, number float64) (*PartResult, error) {
	start := m.clock.Now()

	body, err := m.upstream.Fetch(ctx, client.PartRequest(contentID, number))
	if err != nil {
		return nil, err
	}
	manifest, err := decodeManifest(body)
	if err != nil {
		return nil, err
	}

	pages, err := m.pages.FetchAll(ctx, manifest.PageURLs)
	if err != nil {
		return nil, fmt.Errorf("fetch pages of %d/%s: %w", contentID, model.FormatPartNumber(number), err)
	}

	bundle, err := bundlePages(manifest.PageURLs, pages, start)
	if err != nil {
		return nil, err
	}
	handle, err := m.blobs.Put(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("store bundle: %w", err)
	}

	part := &model.ContentPart{
		ContentID:  contentID,
		Number:     number,
		ExternalID: manifest.ExternalID,
		Title:      manifest.Title,
		Handle:     handle,
		Pages:      len(pages),
		CreatedAt:  start,
	}
	if err := m.store.PutPart(ctx, part); err != nil {
		return nil, err
	}

	m.logger.Info().
		Int64("content_id", contentID).
		Str("part", model.FormatPartNumber(number)).
		Int("pages", len(pages)).
		Int("bytes", len(bundle)).
		Dur("duration", m.clock.Now().Sub(start)).
		Msg("Part assembled")
	return &PartResult{Part: *part, Payload: bundle}, nil
}

// Bundle returns the stored payload of handle.
func (m *Mediator) Bundle(ctx context.Context, handle string) ([]byte, error) {
	return m.blobs.Get(ctx, handle)
}

// bundlePages packs pages into a CBZ archive with zero-padded names so
// readers keep page order. Timestamps are fixed so identical pages
// produce identical bundles.
func bundlePages(urls []string, pages [][]byte, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, data := range pages {
		ext := path.Ext(urls[i])
		if ext == "" || len(ext) > 5 {
			ext = ".jpg"
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     fmt.Sprintf("%04d%s", i+1, ext),
			Method:   zip.Store,
			Modified: modified.UTC().Truncate(24 * time.Hour),
		})
		if err != nil {
			return nil, fmt.Errorf("bundle page %d: %w", i+1, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("bundle page %d: %w", i+1, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close bundle: %w", err)
	}
	return buf.Bytes(), nil
}
