package enrich

import (
	"context"
	"regexp"
	"strings"

	"github.com/hazyhaar/ucti/internal/errs"
	"github.com/hazyhaar/ucti/internal/store"
)

const classifyPrompt = "Is this post in English about cybersecurity (tools, attacks, vulnerabilities, threats, exploits, hacks)? Answer True/False."

// keywordWhitelist short-circuits classification: any substring hit
// keeps the post visible without an Oracle call.
var keywordWhitelist = []string{
	"infosec", "cybersec", "vuln", "hack", "exploit", "deepfake",
	"threat", "leak", "phishing", "bypass", "outage", "steal",
	"malicious", "compromise",
}

var handleRe = regexp.MustCompile(`@\S+`)

// FilterPosts is the first stage. The normal mode drains
// is_ingested=false and materializes the search document of posts that
// stay visible. Revisit mode (the filter and filter-posts jobs) walks
// the already visible posts instead and only flips visibility.
func (e *Enricher) FilterPosts(ctx context.Context, opts Options) error {
	var (
		posts []*store.Post
		err   error
	)
	if opts.Revisit {
		posts, err = e.store.VisiblePosts(ctx)
	} else {
		posts, err = e.store.PendingIngest(ctx, opts.Source)
	}
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}
	e.logger.Info("filtering posts",
		"count", len(posts), "source", opts.Source,
		"revisit", opts.Revisit, "force_ai", opts.ForceAI)

	collector := errs.NewCollector("filter failed")
	e.forEach(ctx, posts, collector, func(ctx context.Context, p *store.Post) error {
		return e.filterPost(ctx, p, opts)
	})
	return collector.Err()
}

func (e *Enricher) filterPost(ctx context.Context, p *store.Post, opts Options) error {
	visible, err := e.classify(ctx, p, opts.ForceAI)
	if err != nil {
		return err
	}

	if opts.Revisit {
		// A revisited post is already ingested and keeps its search
		// document; only a hide changes anything.
		if !visible {
			e.logger.Info("post hidden on revisit", "post", p.ID, "source", p.Source)
			return e.store.SetPostVisibility(ctx, p.ID, true)
		}
		return nil
	}

	if err := e.store.SetPostVisibility(ctx, p.ID, !visible); err != nil {
		return err
	}
	if visible {
		return e.refreshSearchDoc(ctx, p.ID)
	}
	return nil
}

// classify decides visibility: keyword whitelist first (unless forced),
// Oracle otherwise.
func (e *Enricher) classify(ctx context.Context, p *store.Post, forceAI bool) (bool, error) {
	content := strings.ToLower(p.ContentTxt)
	content = handleRe.ReplaceAllString(content, "")

	if !forceAI {
		for _, kw := range keywordWhitelist {
			if strings.Contains(content, kw) {
				return true, nil
			}
		}
	}
	return e.oracle.AskBool(ctx, classifyPrompt, clip(p.ContentTxt, classifyLimit))
}
