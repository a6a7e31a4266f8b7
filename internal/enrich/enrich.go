// Package enrich runs the staged post-processing pipeline: visibility
// classification, tag assignment and IoC extraction. Stages are
// idempotent; each drains a selection predicate and sets the matching
// completion flag, so a crashed run resumes where it stopped.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hazyhaar/ucti/internal/errs"
	"github.com/hazyhaar/ucti/internal/oracle"
	"github.com/hazyhaar/ucti/internal/search"
	"github.com/hazyhaar/ucti/internal/store"
)

// Prompt budgets, in characters of post text.
const (
	classifyLimit = 500
	tagsLimit     = 400
	iocsLimit     = 2000
)

// Bulk per-post operations run under this concurrency gate.
const defaultConcurrency = 16

// Oracle is the slice of the LLM gateway the stages consume.
// *oracle.Client implements it.
type Oracle interface {
	AskBool(ctx context.Context, system, user string) (bool, error)
	AskLines(ctx context.Context, system, user string) ([]string, error)
	AskIoCs(ctx context.Context, system, user string) ([]oracle.RawIoC, error)
}

// Enricher drives the three stages over the store.
type Enricher struct {
	store       *store.Store
	oracle      Oracle
	logger      *slog.Logger
	concurrency int
	randColor   func() string
}

// New creates an Enricher.
func New(st *store.Store, oc Oracle, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		store:       st,
		oracle:      oc,
		logger:      logger,
		concurrency: defaultConcurrency,
		randColor:   RandomColor,
	}
}

// Options narrow a stage run.
type Options struct {
	// Source restricts the selection to one source; empty means all.
	Source string
	// Revisit makes the filter stage reclassify visible posts instead
	// of draining the uningested ones.
	Revisit bool
	// ForceAI skips the keyword shortcut, so every post goes through
	// the Oracle. The filter-posts job sets Revisit and ForceAI.
	ForceAI bool
}

// EnrichAll runs filter, tags and IoCs for every source with pending
// posts. Sources run in parallel, the stages of one source in order,
// so a slow Oracle never reorders a source's pipeline.
func (e *Enricher) EnrichAll(ctx context.Context) error {
	sources, err := e.store.DistinctPendingSources(ctx)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}

	collector := errs.NewCollector("enrichment failed")
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, source := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.EnrichSource(ctx, source)
			if err != nil {
				mu.Lock()
				collector.Add(err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return collector.Err()
}

// EnrichSource runs the three stages in order for one source. Stage
// failures do not stop the following stages: a broken Oracle answer on
// one post must not freeze the whole source.
func (e *Enricher) EnrichSource(ctx context.Context, source string) error {
	collector := errs.NewCollector(fmt.Sprintf("enrich %s failed", source))
	opts := Options{Source: source}
	if err := e.FilterPosts(ctx, opts); err != nil {
		collector.Add(err)
	}
	if err := e.AssignTags(ctx, opts); err != nil {
		collector.Add(err)
	}
	if err := e.ExtractIoCs(ctx, opts); err != nil {
		collector.Add(err)
	}
	return collector.Err()
}

// forEach fans fn over posts under the concurrency gate, accumulating
// per-post failures into the collector.
func (e *Enricher) forEach(ctx context.Context, posts []*store.Post, collector *errs.Collector, fn func(context.Context, *store.Post) error) {
	gate := make(chan struct{}, e.concurrency)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, p := range posts {
		if ctx.Err() != nil {
			break
		}
		gate <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-gate }()
			if err := fn(ctx, p); err != nil {
				mu.Lock()
				collector.Add(fmt.Errorf("post %d: %w", p.ID, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

// clip truncates s to limit runes and flattens newlines, the form the
// prompts expect.
func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) > limit {
		s = string(runes[:limit])
	}
	return strings.ReplaceAll(s, "\n", " ")
}

// refreshSearchDoc rebuilds content_search from the current post row
// and its tags.
func (e *Enricher) refreshSearchDoc(ctx context.Context, postID int64) error {
	p, err := e.store.PostByID(ctx, postID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("post %d vanished", postID)
	}
	tags, err := e.store.TagsForPost(ctx, postID)
	if err != nil {
		return err
	}
	return e.store.SetContentSearch(ctx, postID, search.Document(p, tags))
}
