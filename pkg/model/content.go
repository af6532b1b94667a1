// Package model defines the records persisted by the durable store and
// exchanged between the mediator, the quota manager and callers.
package model

import (
	"strconv"
	"time"
)

// Status is the publication status of a content item.
type Status string

const (
	StatusOngoing   Status = "ongoing"
	StatusReleased  Status = "released"
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusUnknown   Status = ""
)

// ContentRecord is the hot-tier metadata of one catalogue item.
type ContentRecord struct {
	ID          int64     `json:"id"`
	TitleRU     string    `json:"title_ru"`
	TitleEN     string    `json:"title_en"`
	Description string    `json:"description"`
	CoverURL    string    `json:"cover_url"`
	Genres      []string  `json:"genres"`
	Status      Status    `json:"status"`
	Rating      float64   `json:"rating"`
	Year        int       `json:"year"`
	Kind        string    `json:"kind"`
	PartsCount  int       `json:"parts_count"`
	LastSynced  time.Time `json:"last_synced"`
}

// IsFresh reports whether the record was synchronized less than maxAge
// before now. A record exactly maxAge old is stale.
func (r *ContentRecord) IsFresh(now time.Time, maxAge time.Duration) bool {
	if r == nil || r.LastSynced.IsZero() {
		return false
	}
	return now.Sub(r.LastSynced) < maxAge
}

// ContentPart is one addressable sub-unit (chapter) of a ContentRecord.
// Parts are immutable once published upstream, so a populated Handle
// never expires.
type ContentPart struct {
	ContentID  int64     `json:"content_id"`
	Number     float64   `json:"number"`
	ExternalID string    `json:"external_id"`
	Title      string    `json:"title"`
	Handle     string    `json:"handle,omitempty"`
	RenderURL  string    `json:"render_url,omitempty"`
	Pages      int       `json:"pages"`
	CreatedAt  time.Time `json:"created_at"`
}

// HasHandle reports whether the part has already been stored in the cold tier.
func (p *ContentPart) HasHandle() bool {
	return p != nil && p.Handle != ""
}

// FormatPartNumber renders a part number without a trailing ".0" so that
// 10 and 10.0 address the same part while 10.5 stays distinct.
func FormatPartNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}
