package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxBodySize caps a single upstream reply.
const maxBodySize = 64 << 20

// Response is a raw upstream reply.
type Response struct {
	Status int
	Body   []byte
}

// Peer performs single attempts against the upstream. Do returns an error
// only when no reply was received; HTTP statuses are reported in Response.
// Reset drops the current session so the next attempt starts a new one.
type Peer interface {
	Do(ctx context.Context, req Request, identity string) (Response, error)
	Reset()
}

// HTTPPeer talks to the catalogue over HTTP.
type HTTPPeer struct {
	baseURL string
	timeout time.Duration
	client  atomic.Pointer[http.Client]
	resets  atomic.Int64
}

// NewHTTPPeer creates a peer for baseURL.
func NewHTTPPeer(baseURL string, timeout time.Duration) (*HTTPPeer, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &HTTPPeer{baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout}
	p.client.Store(p.newSession())
	return p, nil
}

func (p *HTTPPeer) newSession() *http.Client {
	return &http.Client{
		Timeout:   p.timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
}

// Do sends one request as identity.
func (p *HTTPPeer) Do(ctx context.Context, req Request, identity string) (Response, error) {
	target := req.Resource()
	if req.Kind != KindPage {
		target = p.baseURL + target
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", identity)
	httpReq.Header.Set("Referer", p.baseURL+"/")
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	if req.Kind == KindPage {
		httpReq.Header.Set("Accept", "image/*")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := p.client.Load().Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	return Response{Status: resp.StatusCode, Body: body}, nil
}

// Reset replaces the HTTP session, dropping pooled connections and cookies.
func (p *HTTPPeer) Reset() {
	old := p.client.Swap(p.newSession())
	if old != nil {
		old.CloseIdleConnections()
	}
	p.resets.Add(1)
}

// Resets returns how often the session was recreated.
func (p *HTTPPeer) Resets() int64 {
	return p.resets.Load()
}
