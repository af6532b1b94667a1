package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/manga-cache/pkg/blob"
	"github.com/Sternrassler/manga-cache/pkg/client"
	"github.com/Sternrassler/manga-cache/pkg/mediator"
	"github.com/Sternrassler/manga-cache/pkg/model"
	"github.com/Sternrassler/manga-cache/pkg/quota"
	"github.com/Sternrassler/manga-cache/pkg/store"
)

const (
	headerIdentity = "X-Identity"
	headerTier     = "X-Tier"
	headerCache    = "X-Cache"
)

type identityKey struct{}

// Quotas is the part of the quota manager the facade exposes.
type Quotas interface {
	Usage(ctx context.Context, identity string, tier model.Tier) (quota.Usage, error)
	Settings(ctx context.Context, identity string, tier model.Tier) (model.Settings, error)
	UpdateSettings(ctx context.Context, identity string, settings model.Settings) error
}

// api serves the HTTP facade that stands in for the chat front-end.
type api struct {
	mediator *mediator.Mediator
	quotas   Quotas
	ping     func(ctx context.Context) error
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	timeout  time.Duration
}

type caller struct {
	identity string
	tier     model.Tier
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	r.Get("/health", healthHandler)
	r.Get("/ready", a.readyHandler)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.requireIdentity)
		r.Get("/search", a.searchHandler)
		r.Get("/content/{id}", a.contentHandler)
		r.Get("/content/{id}/parts/{number}", a.partHandler)
		r.Get("/bundles/{handle}", a.bundleHandler)
		r.Get("/settings", a.getSettingsHandler)
		r.Put("/settings", a.putSettingsHandler)
		r.Get("/quota", a.quotaHandler)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", a.statsHandler)
		r.Get("/report", a.reportHandler)
	})
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (a *api) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ping(ctx); err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (a *api) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := r.Header.Get(headerIdentity)
		if identity == "" {
			writeJSONError(w, http.StatusBadRequest, headerIdentity+" header is required")
			return
		}
		c := caller{identity: identity, tier: model.ParseTier(r.Header.Get(headerTier))}
		ctx := context.WithValue(r.Context(), identityKey{}, c)
		if a.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
			defer cancel()
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func callerFrom(r *http.Request) caller {
	c, _ := r.Context().Value(identityKey{}).(caller)
	return c
}

func (a *api) searchHandler(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeJSONError(w, http.StatusBadRequest, "query parameter q is required")
		return
	}
	filters := make(map[string]string)
	for k := range q {
		if k != "q" {
			filters[k] = q.Get(k)
		}
	}

	res, err := a.mediator.Search(r.Context(), query, filters, c.identity, c.tier)
	if err != nil {
		a.writeError(w, err)
		return
	}
	setCacheHeader(w, res.FromCache, false)
	writeJSON(w, http.StatusOK, res)
}

func (a *api) contentHandler(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid content id")
		return
	}

	res, err := a.mediator.GetMetadata(r.Context(), id, c.identity, c.tier)
	if err != nil {
		a.writeError(w, err)
		return
	}
	setCacheHeader(w, res.FromCache, res.Stale)
	writeJSON(w, http.StatusOK, res)
}

func (a *api) partHandler(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid content id")
		return
	}
	number, err := strconv.ParseFloat(chi.URLParam(r, "number"), 64)
	if err != nil || number < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid part number")
		return
	}

	res, err := a.mediator.GetPart(r.Context(), id, number, c.identity, c.tier)
	if err != nil {
		a.writeError(w, err)
		return
	}
	setCacheHeader(w, res.FromCache, false)
	writeJSON(w, http.StatusOK, res)
}

func (a *api) bundleHandler(w http.ResponseWriter, r *http.Request) {
	data, err := a.mediator.Bundle(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.comicbook+zip")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *api) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	settings, err := a.quotas.Settings(r.Context(), c.identity, c.tier)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *api) putSettingsHandler(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	var settings model.Settings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&settings); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid settings body")
		return
	}
	if err := settings.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.quotas.UpdateSettings(r.Context(), c.identity, settings); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *api) quotaHandler(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	usage, err := a.quotas.Usage(r.Context(), c.identity, c.tier)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (a *api) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.mediator.AdminStats(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) reportHandler(w http.ResponseWriter, r *http.Request) {
	report, err := a.mediator.PerformanceReport(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var upErr *client.UpstreamError
	switch {
	case errors.Is(err, quota.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, client.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, blob.ErrInvalidHandle):
		return http.StatusBadRequest
	case errors.As(err, &upErr), errors.Is(err, mediator.ErrBadPayload):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		a.logger.Error().Err(err).Msg("Request failed")
		msg = "internal error"
	case http.StatusServiceUnavailable:
		a.logger.Error().Err(err).Msg("Storage unavailable")
		msg = "storage unavailable, try again later"
	}
	writeJSONError(w, status, msg)
}

func setCacheHeader(w http.ResponseWriter, fromCache, stale bool) {
	switch {
	case stale:
		w.Header().Set(headerCache, "stale")
	case fromCache:
		w.Header().Set(headerCache, "hit")
	default:
		w.Header().Set(headerCache, "miss")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
