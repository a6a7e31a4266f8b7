package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/ucti/internal/misp"
	"github.com/hazyhaar/ucti/internal/search"
)

func (h *Handler) handleIoCJSON(w http.ResponseWriter, r *http.Request) {
	links, err := h.engine.SearchIoCs(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.error(w, r, err)
		return
	}
	if links == nil {
		links = []search.IoCLink{}
	}
	writeJSON(w, http.StatusOK, links)
}

func (h *Handler) handleIoCCSV(w http.ResponseWriter, r *http.Request) {
	links, err := h.engine.SearchIoCs(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.error(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	cw := csv.NewWriter(w)
	cw.Write([]string{"value", "type", "subtype", "comment", "relevance", "links"})
	for _, l := range links {
		cw.Write([]string{
			l.Value, l.Type, l.Subtype, l.Comment,
			strconv.Itoa(l.Relevance), strings.Join(l.Links, " "),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Warn("csv write failed", "error", err)
	}
}

// handleMISPRedirect turns the query into a stable feed path so MISP
// instances can poll the manifest without carrying query strings.
func (h *Handler) handleMISPRedirect(w http.ResponseWriter, r *http.Request) {
	encoded := base64.URLEncoding.EncodeToString([]byte(r.URL.Query().Get("q")))
	http.Redirect(w, r, "/ioc/misp/"+encoded+"/manifest.json", http.StatusFound)
}

func (h *Handler) handleMISPDoc(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeError(w, http.StatusNotFound, errors.New("misp feed is not configured"))
		return
	}
	raw, err := base64.URLEncoding.DecodeString(chi.URLParam(r, "feed"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("bad feed id: %w", err))
		return
	}

	feed, err := h.buildFeed(r.Context(), string(raw))
	if err != nil {
		h.error(w, r, err)
		return
	}

	doc := chi.URLParam(r, "doc")
	if doc == "manifest.json" {
		writeJSON(w, http.StatusOK, feed.Manifest)
		return
	}
	id, ok := strings.CutSuffix(doc, ".json")
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown feed document"))
		return
	}
	ev := feed.EventByUUID(id)
	if ev == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown event %q", id))
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// buildFeed renders the MISP feed for a query. Posts without linked
// IoCs yield no event.
func (h *Handler) buildFeed(ctx context.Context, query string) (*misp.Feed, error) {
	resp, err := h.engine.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	posts := make([]misp.PostIoCs, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		iocs, err := h.store.IoCsForPost(ctx, m.Post.ID)
		if err != nil {
			return nil, err
		}
		if len(iocs) == 0 {
			continue
		}
		posts = append(posts, misp.PostIoCs{Post: m.Post, IoCs: iocs})
	}
	return h.feed.Build(posts), nil
}
