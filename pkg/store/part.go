package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/manga-cache/pkg/model"
)

func partMember(contentID int64, number float64) string {
	return strconv.FormatInt(contentID, 10) + ":" + model.FormatPartNumber(number)
}

func partKey(contentID int64, number float64) string {
	return partKeyPrefix + partMember(contentID, number)
}

// GetPart returns the stored part, or ErrNotFound.
func (s *Store) GetPart(ctx context.Context, contentID int64, number float64) (*model.ContentPart, error) {
	fields, err := s.redis.HGetAll(ctx, partKey(contentID, number)).Result()
	if err != nil {
		return nil, unavailable("get_part", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	part := &model.ContentPart{
		ContentID:  contentID,
		Number:     number,
		ExternalID: fields["external_id"],
		Title:      fields["title"],
		Handle:     fields["handle"],
		RenderURL:  fields["render_url"],
	}
	if raw := fields["pages"]; raw != "" {
		if part.Pages, err = strconv.Atoi(raw); err != nil {
			return nil, invalid("get_part", fmt.Errorf("pages: %w", err))
		}
	}
	if raw := fields["created_at"]; raw != "" {
		if part.CreatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return nil, invalid("get_part", fmt.Errorf("created_at: %w", err))
		}
	}
	return part, nil
}

// GetPartHandle returns the cold-tier handle of a part. ErrNotFound is
// returned both for unknown parts and for parts without a handle yet.
func (s *Store) GetPartHandle(ctx context.Context, contentID int64, number float64) (string, error) {
	handle, err := s.redis.HGet(ctx, partKey(contentID, number), "handle").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", unavailable("get_part_handle", err)
	}
	if handle == "" {
		return "", ErrNotFound
	}
	return handle, nil
}

// PutPart upserts a part. An empty Handle leaves any stored handle intact;
// CreatedAt is only written the first time the part is seen.
func (s *Store) PutPart(ctx context.Context, part *model.ContentPart) error {
	if part == nil {
		return errors.New("content part cannot be nil")
	}

	key := partKey(part.ContentID, part.Number)
	created := part.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		values := []any{
			"content_id", part.ContentID,
			"number", model.FormatPartNumber(part.Number),
			"external_id", part.ExternalID,
			"title", part.Title,
			"render_url", part.RenderURL,
			"pages", part.Pages,
		}
		if part.Handle != "" {
			values = append(values, "handle", part.Handle)
			pipe.SAdd(ctx, partHandlesKey, partMember(part.ContentID, part.Number))
		}
		pipe.HSet(ctx, key, values...)
		pipe.HSetNX(ctx, key, "created_at", created.UTC().Format(time.RFC3339Nano))
		pipe.SAdd(ctx, partIndexKey, partMember(part.ContentID, part.Number))
		return nil
	})
	if err != nil {
		return unavailable("put_part", err)
	}
	return nil
}

// PutPartHandle records the cold-tier handle of a part. Parts are
// immutable upstream, so concurrent writers store equivalent handles and
// the last write wins.
func (s *Store) PutPartHandle(ctx context.Context, contentID int64, number float64, handle string) error {
	if handle == "" {
		return errors.New("part handle cannot be empty")
	}

	key := partKey(contentID, number)
	member := partMember(contentID, number)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"content_id", contentID,
			"number", model.FormatPartNumber(number),
			"handle", handle,
		)
		pipe.HSetNX(ctx, key, "created_at", s.clock.Now().UTC().Format(time.RFC3339Nano))
		pipe.SAdd(ctx, partIndexKey, member)
		pipe.SAdd(ctx, partHandlesKey, member)
		return nil
	})
	if err != nil {
		return unavailable("put_part_handle", err)
	}
	return nil
}
