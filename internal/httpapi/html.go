package httpapi

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hazyhaar/ucti/internal/search"
	"github.com/hazyhaar/ucti/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed favicon.svg
var faviconSVG []byte

var pageTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// htmlPost is one rendered result row. Content is sanitized before it
// becomes template.HTML.
type htmlPost struct {
	User    string
	Source  string
	URL     string
	Created string
	Score   int
	Content template.HTML
	Tags    []htmlTag
}

type htmlTag struct {
	Name  string
	Color string
}

type serviceView struct {
	Name   string
	Latest string
}

type ingestView struct {
	Total    int64
	Latest   string
	Services []serviceView
}

// searchPage is the template context for the search page.
type searchPage struct {
	SearchTerm string
	Error      string
	Posts      []htmlPost
	Ingestion  *ingestView
}

func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	page := searchPage{SearchTerm: query}
	code := http.StatusOK

	if query != "" {
		resp, err := h.engine.Search(r.Context(), query)
		if err == nil {
			page.Posts, err = h.htmlPosts(r.Context(), resp.Matches)
		}
		if err != nil {
			var bad *search.BadQueryError
			if errors.As(err, &bad) {
				page.Error = err.Error()
				code = http.StatusBadRequest
			} else {
				h.logger.Error("search failed", "query", query, "error", err)
				page.Error = "search failed"
				code = http.StatusInternalServerError
			}
		}
	}

	if stats, err := h.store.Stats(r.Context()); err == nil {
		page.Ingestion = newIngestView(stats)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := pageTemplates.ExecuteTemplate(w, "search.html", page); err != nil {
		h.logger.Error("template render failed", "error", err)
	}
}

func (h *Handler) handleFavicon(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write(faviconSVG)
}

func (h *Handler) htmlPosts(ctx context.Context, matches []search.Match) ([]htmlPost, error) {
	posts := make([]htmlPost, 0, len(matches))
	for _, m := range matches {
		tags, err := h.store.TagsForPost(ctx, m.Post.ID)
		if err != nil {
			return nil, err
		}
		views := make([]htmlTag, 0, len(tags))
		for _, tag := range tags {
			views = append(views, htmlTag{Name: tag.Name, Color: tag.Color})
		}
		posts = append(posts, htmlPost{
			User:    m.Post.User,
			Source:  m.Post.Source,
			URL:     m.Post.URL,
			Created: m.Post.Created().Format("2006-01-02 15:04"),
			Score:   m.Score,
			Content: template.HTML(h.sanitize.Sanitize(m.Post.ContentHTML)),
			Tags:    views,
		})
	}
	return posts, nil
}

func newIngestView(stats *store.IngestStats) *ingestView {
	v := &ingestView{Total: stats.Total}
	if stats.Latest > 0 {
		v.Latest = humanize.Time(time.Unix(stats.Latest, 0))
	}
	names := make([]string, 0, len(stats.Services))
	for name := range stats.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.Services = append(v.Services, serviceView{
			Name:   name,
			Latest: humanize.Time(time.Unix(stats.Services[name], 0)),
		})
	}
	return v
}
