package mediator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/manga-cache/pkg/model"
)

// ErrBadPayload is returned when an upstream reply cannot be decoded.
var ErrBadPayload = errors.New("malformed upstream payload")

// looseFloat accepts both 8.5 and "8.5".
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = looseFloat(v)
	return nil
}

type wireTitle struct {
	ID          int64  `json:"id"`
	Russian     string `json:"russian"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Image       struct {
		Original string `json:"original"`
	} `json:"image"`
	Genres []struct {
		Name string `json:"name"`
	} `json:"genres"`
	Status   string     `json:"status"`
	Score    looseFloat `json:"score"`
	Kind     string     `json:"kind"`
	Chapters int        `json:"chapters"`
	AiredOn  *struct {
		Year int `json:"year"`
	} `json:"aired_on"`
}

func (w wireTitle) record(synced time.Time) model.ContentRecord {
	rec := model.ContentRecord{
		ID:          w.ID,
		TitleRU:     w.Russian,
		TitleEN:     w.Name,
		Description: w.Description,
		CoverURL:    w.Image.Original,
		Status:      parseStatus(w.Status),
		Rating:      float64(w.Score),
		Kind:        w.Kind,
		PartsCount:  w.Chapters,
		LastSynced:  synced,
	}
	for _, g := range w.Genres {
		if g.Name != "" {
			rec.Genres = append(rec.Genres, g.Name)
		}
	}
	if w.AiredOn != nil {
		rec.Year = w.AiredOn.Year
	}
	return rec
}

func parseStatus(s string) model.Status {
	switch model.Status(strings.ToLower(s)) {
	case model.StatusOngoing:
		return model.StatusOngoing
	case model.StatusReleased:
		return model.StatusReleased
	case model.StatusCompleted:
		return model.StatusCompleted
	case model.StatusPaused:
		return model.StatusPaused
	default:
		return model.StatusUnknown
	}
}

func decodeSearch(body []byte, synced time.Time) ([]model.ContentRecord, error) {
	var env struct {
		Response []wireTitle `json:"response"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrBadPayload, err)
	}
	records := make([]model.ContentRecord, 0, len(env.Response))
	for _, t := range env.Response {
		if t.ID == 0 {
			continue
		}
		records = append(records, t.record(synced))
	}
	return records, nil
}

func decodeContent(body []byte, synced time.Time) (*model.ContentRecord, error) {
	var env struct {
		Response *wireTitle `json:"response"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrBadPayload, err)
	}
	if env.Response == nil || env.Response.ID == 0 {
		return nil, fmt.Errorf("%w: content: empty response", ErrBadPayload)
	}
	rec := env.Response.record(synced)
	return &rec, nil
}

// partManifest lists the pages of one part.
type partManifest struct {
	ExternalID string
	Title      string
	PageURLs   []string
}

func decodeManifest(body []byte) (*partManifest, error) {
	var env struct {
		Response *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
			Pages struct {
				List []struct {
					Img string `json:"img"`
				} `json:"list"`
			} `json:"pages"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: part: %v", ErrBadPayload, err)
	}
	if env.Response == nil {
		return nil, fmt.Errorf("%w: part: empty response", ErrBadPayload)
	}

	m := &partManifest{ExternalID: env.Response.ID, Title: env.Response.Title}
	for _, p := range env.Response.Pages.List {
		if p.Img != "" {
			m.PageURLs = append(m.PageURLs, p.Img)
		}
	}
	if len(m.PageURLs) == 0 {
		return nil, fmt.Errorf("%w: part has no pages", ErrBadPayload)
	}
	return m, nil
}
