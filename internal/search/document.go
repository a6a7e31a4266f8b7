package search

import (
	"strings"
	"time"

	"github.com/hazyhaar/ucti/internal/store"
)

// Document builds the content_search text for a post: its plain text,
// tag names without the leading #, selector tokens for source and user,
// and the creation date in ISO form. Scoring and selector matching both
// run against this document.
func Document(p *store.Post, tags []*store.Tag) string {
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, strings.TrimPrefix(t.Name, "#"))
	}

	parts := []string{
		p.ContentTxt,
		strings.Join(names, " "),
		p.Source + ":" + p.Source,
		"source:" + p.Source,
		"user:" + p.User,
		time.Unix(p.CreatedAt, 0).UTC().Format("2006-01-02T15:04:05"),
	}
	return strings.Join(parts, " ")
}
