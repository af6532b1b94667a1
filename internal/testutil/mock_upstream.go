// Package testutil provides test doubles for the mediation core: a mock
// catalogue upstream, a manual clock and an in-memory Redis.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse is a scripted reply for one request path.
type MockResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockTitle is a catalogue entry served by MockUpstream.
type MockTitle struct {
	ID          int64
	TitleRU     string
	TitleEN     string
	Description string
	Genres      []string
	Status      string
	Score       float64
	Kind        string
	Chapters    int
	Year        int
}

// MockUpstream is an httptest server that speaks the catalogue API:
//
//	GET /?search=<q>                      search results
//	GET /<id>                             one title
//	GET /<id>/chapter/<number>            part manifest
//	GET /pages/<id>/<number>/<page>.jpg   page image
//
// Scripted responses queued with Enqueue take precedence over the
// catalogue and are consumed in order.
type MockUpstream struct {
	server *httptest.Server

	mu       sync.Mutex
	titles   map[int64]MockTitle
	pages    map[string]int
	scripts  map[string][]MockResponse
	requests map[string]int
	agents   []string
	total    int
	header   http.Header
}

// NewMockUpstream starts a mock catalogue server.
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{
		titles:   make(map[int64]MockTitle),
		pages:    make(map[string]int),
		scripts:  make(map[string][]MockResponse),
		requests: make(map[string]int),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the base URL of the server.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts the server down.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// AddTitle registers a catalogue entry.
func (m *MockUpstream) AddTitle(title MockTitle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[title.ID] = title
}

// AddPart registers a part of contentID with the given number of pages.
func (m *MockUpstream) AddPart(contentID int64, number string, pages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[partKey(contentID, number)] = pages
}

// Enqueue scripts responses for path. Path is matched against
// URL.Path plus raw query, e.g. "/42" or "/?search=naruto".
func (m *MockUpstream) Enqueue(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = append(m.scripts[path], responses...)
}

// RequestCount returns the number of requests seen for path, or all
// requests when path is empty.
func (m *MockUpstream) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if path == "" {
		return m.total
	}
	return m.requests[path]
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockUpstream) LastRequestHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

// UserAgents returns the User-Agent of every request in arrival order.
func (m *MockUpstream) UserAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.agents))
	copy(out, m.agents)
	return out
}

func (m *MockUpstream) serve(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}

	m.mu.Lock()
	m.total++
	m.requests[key]++
	m.agents = append(m.agents, r.Header.Get("User-Agent"))
	m.header = r.Header.Clone()
	var scripted *MockResponse
	if queue := m.scripts[key]; len(queue) > 0 {
		scripted = &queue[0]
		m.scripts[key] = queue[1:]
	}
	m.mu.Unlock()

	if scripted != nil {
		if scripted.Delay > 0 {
			time.Sleep(scripted.Delay)
		}
		w.WriteHeader(scripted.StatusCode)
		_, _ = w.Write([]byte(scripted.Body))
		return
	}

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/" && r.URL.Query().Has("search"):
		m.serveSearch(w, r.URL.Query().Get("search"))
	case len(segments) == 4 && segments[0] == "pages":
		_, _ = fmt.Fprintf(w, "page:%s:%s:%s", segments[1], segments[2], segments[3])
	case len(segments) == 3 && segments[1] == "chapter":
		m.serveManifest(w, segments[0], segments[2])
	case len(segments) == 1 && segments[0] != "":
		m.serveTitle(w, segments[0])
	default:
		http.NotFound(w, r)
	}
}

func (m *MockUpstream) serveSearch(w http.ResponseWriter, query string) {
	query = strings.ToLower(query)

	m.mu.Lock()
	var matched []MockTitle
	for _, t := range m.titles {
		if strings.Contains(strings.ToLower(t.TitleEN), query) || strings.Contains(strings.ToLower(t.TitleRU), query) {
			matched = append(matched, t)
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	hits := make([]any, 0, len(matched))
	for _, t := range matched {
		hits = append(hits, titleJSON(t))
	}
	writeJSON(w, map[string]any{"response": hits})
}

func (m *MockUpstream) serveTitle(w http.ResponseWriter, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	m.mu.Lock()
	t, ok := m.titles[id]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"response": titleJSON(t)})
}

func (m *MockUpstream) serveManifest(w http.ResponseWriter, rawID, number string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	m.mu.Lock()
	count, ok := m.pages[partKey(id, number)]
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	list := make([]map[string]string, count)
	for i := range list {
		list[i] = map[string]string{"img": fmt.Sprintf("%s/pages/%d/%s/%d.jpg", m.server.URL, id, number, i+1)}
	}
	writeJSON(w, map[string]any{"response": map[string]any{
		"id":    fmt.Sprintf("ext-%d-%s", id, number),
		"ch":    number,
		"title": "Chapter " + number,
		"pages": map[string]any{"list": list},
	}})
}

func titleJSON(t MockTitle) map[string]any {
	genres := make([]map[string]string, len(t.Genres))
	for i, g := range t.Genres {
		genres[i] = map[string]string{"name": g}
	}
	return map[string]any{
		"id":          t.ID,
		"russian":     t.TitleRU,
		"name":        t.TitleEN,
		"description": t.Description,
		"image":       map[string]string{"original": fmt.Sprintf("/covers/%d.jpg", t.ID)},
		"genres":      genres,
		"status":      t.Status,
		"score":       t.Score,
		"kind":        t.Kind,
		"chapters":    t.Chapters,
		"aired_on":    map[string]int{"year": t.Year},
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

func partKey(id int64, number string) string {
	return fmt.Sprintf("%d/%s", id, number)
}

// NewThrottledResponse returns a 429 reply.
func NewThrottledResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusTooManyRequests, Body: `{"error":"too many requests"}`}
}

// NewBlockedResponse returns a 403 reply.
func NewBlockedResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusForbidden, Body: `{"error":"forbidden"}`}
}

// NewServerErrorResponse returns a 500 reply.
func NewServerErrorResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusInternalServerError, Body: `{"error":"internal"}`}
}
