package model

import "time"

// QueryCacheEntry caches the ordered result ids of one logical search.
type QueryCacheEntry struct {
	Hash       string            `json:"hash"`
	Query      string            `json:"query"`
	Filters    map[string]string `json:"filters,omitempty"`
	ContentIDs []int64           `json:"content_ids"`
	Hits       int64             `json:"hits"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// IsExpired reports whether the entry is past its expiry at now.
func (e *QueryCacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
