// Package httpapi serves the web surface: the HTML search page, the
// JSON API, IoC exports in JSON, CSV and MISP feed form, an RSS feed
// of search results, and the ingestion healthcheck.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/ucti/internal/misp"
	"github.com/hazyhaar/ucti/internal/search"
	"github.com/hazyhaar/ucti/internal/store"
)

// Handler carries the web surface's collaborators.
type Handler struct {
	store    *store.Store
	engine   *search.Engine
	feed     *misp.Builder
	logger   *slog.Logger
	sanitize *bluemonday.Policy
	now      func() time.Time
}

// New creates the handler. feed may be nil when no MISP organisation
// is configured; the /ioc/misp endpoints then answer 404.
func New(st *store.Store, engine *search.Engine, feed *misp.Builder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    st,
		engine:   engine,
		feed:     feed,
		logger:   logger,
		sanitize: bluemonday.UGCPolicy(),
		now:      time.Now,
	}
}

// Router builds the route table.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/", h.handleHome)
	r.Get("/search/", h.handleHome)
	r.Get("/favicon.svg", h.handleFavicon)
	r.Get("/healthcheck", h.handleHealthcheck)

	r.Get("/api/search", h.handleAPISearch)
	r.Get("/api/dynamic-queries", h.handleDynamicQueries)

	r.Get("/ioc/json/", h.handleIoCJSON)
	r.Get("/ioc/csv/", h.handleIoCCSV)
	r.Get("/ioc/misp/", h.handleMISPRedirect)
	r.Get("/ioc/misp/{feed}/{doc}", h.handleMISPDoc)

	r.Get("/rss/", h.handleRSS)
	return r
}

func (h *Handler) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"latest_ingestion_time": stats,
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := h.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Info("request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "elapsed", h.now().Sub(started))
	})
}

// error maps user query errors to 400 and everything else to 500.
func (h *Handler) error(w http.ResponseWriter, r *http.Request, err error) {
	var bad *search.BadQueryError
	if errors.As(err, &bad) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// baseURL reconstructs the external origin for absolute links in feeds.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
