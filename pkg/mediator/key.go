package mediator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Sternrassler/manga-cache/pkg/model"
)

// QueryKey identifies a search for the query cache.
type QueryKey struct {
	Query   string
	Filters map[string]string
}

// NewQueryKey normalizes query and filters: the query is trimmed and
// lower-cased, filter keys are lower-cased, values trimmed, and empty
// values dropped.
func NewQueryKey(query string, filters map[string]string) QueryKey {
	normalized := make(map[string]string, len(filters))
	for k, v := range filters {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		normalized[k] = v
	}
	return QueryKey{
		Query:   strings.ToLower(strings.TrimSpace(query)),
		Filters: normalized,
	}
}

// Hash returns the deterministic cache key of the search. Filters are
// encoded as JSON, which orders map keys.
func (k QueryKey) Hash() string {
	filters, _ := json.Marshal(k.Filters)
	sum := sha256.Sum256(append([]byte(k.Query+"\x00"), filters...))
	return hex.EncodeToString(sum[:])
}

func searchFlight(hash string) string {
	return "search:" + hash
}

func contentFlight(id int64) string {
	return fmt.Sprintf("content:%d", id)
}

func partFlight(contentID int64, number float64) string {
	return fmt.Sprintf("part:%d:%s", contentID, model.FormatPartNumber(number))
}
