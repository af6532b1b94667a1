package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/manga-cache/pkg/model"
)

func contentKey(id int64) string {
	return contentKeyPrefix + strconv.FormatInt(id, 10)
}

// GetContent returns the stored metadata for id, or ErrNotFound.
func (s *Store) GetContent(ctx context.Context, id int64) (*model.ContentRecord, error) {
	data, err := s.redis.Get(ctx, contentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get_content", err)
	}

	var rec model.ContentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, invalid("get_content", err)
	}
	return &rec, nil
}

// GetContents returns the stored records for ids in the given order.
// Ids without a stored record are skipped.
func (s *Store) GetContents(ctx context.Context, ids []int64) ([]model.ContentRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = contentKey(id)
	}

	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("get_contents", err)
	}

	records := make([]model.ContentRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var rec model.ContentRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, invalid("get_contents", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// PutContent upserts one record. A zero LastSynced is stamped with the
// store clock.
func (s *Store) PutContent(ctx context.Context, rec *model.ContentRecord) error {
	if rec == nil {
		return errors.New("content record cannot be nil")
	}
	return s.PutContents(ctx, []model.ContentRecord{*rec})
}

// PutContents upserts several records in one transaction.
func (s *Store) PutContents(ctx context.Context, recs []model.ContentRecord) error {
	if len(recs) == 0 {
		return nil
	}

	now := s.clock.Now()
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range recs {
			rec := recs[i]
			if rec.LastSynced.IsZero() {
				rec.LastSynced = now
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			pipe.Set(ctx, contentKey(rec.ID), data, 0)
			pipe.SAdd(ctx, contentIndexKey, rec.ID)
		}
		return nil
	})
	if err != nil {
		return unavailable("put_content", err)
	}
	return nil
}

// IsContentFresh reports whether id is stored and younger than maxAge.
func (s *Store) IsContentFresh(ctx context.Context, id int64, maxAge time.Duration) (bool, error) {
	rec, err := s.GetContent(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return rec.IsFresh(s.clock.Now(), maxAge), nil
}
