package search

import (
	"context"
	"sort"
)

// IoCLink is one IoC aggregated across a result set: its identity, the
// best score among the matched posts carrying it, and those posts'
// URLs.
type IoCLink struct {
	Value     string   `json:"value"`
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	Comment   string   `json:"comment,omitempty"`
	Relevance int      `json:"relevance"`
	Links     []string `json:"links"`
}

// SearchIoCs runs the query and aggregates the IoCs of every matched
// post, most relevant first.
func (e *Engine) SearchIoCs(ctx context.Context, query string) ([]IoCLink, error) {
	resp, err := e.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return e.aggregateIoCs(ctx, resp.Matches)
}

// aggregateIoCs folds the matches' IoCs together. An IoC shared by
// several matched posts keeps the highest score and every post URL.
func (e *Engine) aggregateIoCs(ctx context.Context, matches []Match) ([]IoCLink, error) {
	index := map[string]int{}
	var out []IoCLink

	for _, m := range matches {
		iocs, err := e.store.IoCsForPost(ctx, m.Post.ID)
		if err != nil {
			return nil, err
		}
		for _, ioc := range iocs {
			key := ioc.Type + "|" + ioc.Subtype + "|" + ioc.Value
			i, ok := index[key]
			if !ok {
				index[key] = len(out)
				out = append(out, IoCLink{
					Value:     ioc.Value,
					Type:      ioc.Type,
					Subtype:   ioc.Subtype,
					Comment:   ioc.Comment,
					Relevance: m.Score,
					Links:     []string{m.Post.URL},
				})
				continue
			}
			if m.Score > out[i].Relevance {
				out[i].Relevance = m.Score
			}
			out[i].Links = append(out[i].Links, m.Post.URL)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Relevance > out[j].Relevance
	})
	return out, nil
}
