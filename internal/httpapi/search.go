package httpapi

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/hazyhaar/ucti/internal/search"
	"github.com/hazyhaar/ucti/internal/store"
)

const excerptLimit = 90

// postView is one result row of the JSON API.
type postView struct {
	User    string   `json:"user"`
	Source  string   `json:"source"`
	Excerpt string   `json:"excerpt"`
	Created string   `json:"created"`
	URL     string   `json:"url"`
	Score   int      `json:"score"`
	UID     string   `json:"uid"`
	Tags    []string `json:"tags"`
}

func (h *Handler) handleAPISearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	resp, err := h.engine.Search(r.Context(), query)
	if err != nil {
		h.error(w, r, err)
		return
	}
	views, err := h.postViews(r.Context(), resp.Matches)
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"search_term": query,
		"posts":       views,
	})
}

func (h *Handler) handleDynamicQueries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	queries, err := h.engine.DynamicQueries(query)
	if err != nil {
		h.error(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"search_term": query,
		"queries":     queries,
	})
}

func (h *Handler) postViews(ctx context.Context, matches []search.Match) ([]postView, error) {
	views := make([]postView, 0, len(matches))
	for _, m := range matches {
		tags, err := h.store.TagsForPost(ctx, m.Post.ID)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(tags))
		for _, tag := range tags {
			names = append(names, tag.Name)
		}
		views = append(views, postView{
			User:    m.Post.User,
			Source:  m.Post.Source,
			Excerpt: excerpt(m.Post.ContentTxt, excerptLimit),
			Created: m.Post.Created().Format(time.RFC3339),
			URL:     m.Post.URL,
			Score:   m.Score,
			UID:     postUID(m.Post),
			Tags:    names,
		})
	}
	return views, nil
}

// postUID is the stable public post identifier, an md5 of the source
// identity.
func postUID(p *store.Post) string {
	sum := md5.Sum([]byte(p.Source + p.SourceID))
	return hex.EncodeToString(sum[:])
}

// excerpt returns the first limit runes of s.
func excerpt(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
