package httpapi

import (
	"net/http"
	"net/url"

	"github.com/hazyhaar/ucti/internal/feed"
)

func (h *Handler) handleRSS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	resp, err := h.engine.Search(r.Context(), query)
	if err != nil {
		h.error(w, r, err)
		return
	}

	ch := feed.Channel{
		Title:       "uCTI: " + query,
		Link:        baseURL(r) + "/search/?q=" + url.QueryEscape(query),
		Description: "Threat intel posts matching " + query,
	}
	for _, m := range resp.Matches {
		tags, err := h.store.TagsForPost(r.Context(), m.Post.ID)
		if err != nil {
			h.error(w, r, err)
			return
		}
		names := make([]string, 0, len(tags))
		for _, tag := range tags {
			names = append(names, tag.Name)
		}
		ch.Items = append(ch.Items, feed.Item{
			Title:       excerpt(m.Post.ContentTxt, excerptLimit),
			Link:        m.Post.URL,
			GUID:        postUID(m.Post),
			Description: h.sanitize.Sanitize(m.Post.ContentHTML),
			Published:   m.Post.Created(),
			Categories:  names,
		})
	}

	body, err := feed.RenderRSS(ch)
	if err != nil {
		h.error(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.Write(body)
}
