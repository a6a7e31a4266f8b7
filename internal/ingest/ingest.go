// Package ingest harvests posts from the configured sources.
//
// Each source family implements Adapter. The Runner fans adapters out in
// parallel, deduplicates on (source, source_id) and applies the common
// persistence rules before handing posts to the store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/errs"
	"github.com/hazyhaar/ucti/internal/fetch"
	"github.com/hazyhaar/ucti/internal/store"
)

// DefaultLookback bounds the first fetch of a source that has no posts
// yet.
const DefaultLookback = 24 * time.Hour

// Posts shorter than this many whitespace tokens skip classification.
const shortPostTokens = 3

// Sink persists one fetched post. Implementations skip duplicates
// silently and report only store failures.
type Sink func(ctx context.Context, p *store.Post) error

// Adapter fetches new posts from one source family and passes each to
// the sink. Fetch returns once the source is drained down to its
// watermark; partial results with an error are fine.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, sink Sink) error
}

// Runner owns the adapter set and the shared persistence path.
type Runner struct {
	store    *store.Store
	logger   *slog.Logger
	adapters map[string]Adapter
	now      func() time.Time
}

// NewRunner creates a Runner over st with no adapters registered.
func NewRunner(st *store.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    st,
		logger:   logger,
		adapters: make(map[string]Adapter),
		now:      time.Now,
	}
}

// Register adds an adapter under its name. Later registrations replace
// earlier ones.
func (r *Runner) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Names returns the registered adapter names, sorted.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromConfig registers one adapter per enabled configuration section.
func (r *Runner) FromConfig(cfg *config.Config, fetcher *fetch.Fetcher) {
	if cfg.Mastodon != nil {
		r.Register(NewMastodon(cfg.Mastodon, r.store, fetcher))
	}
	if cfg.Bluesky != nil {
		r.Register(NewBluesky(cfg.Bluesky, r.store, fetcher))
	}
	if cfg.Airtable != nil {
		r.Register(NewAirtable(cfg.Airtable, fetcher))
	}
	if cfg.Baserow != nil {
		r.Register(NewBaserow(cfg.Baserow, fetcher))
	}
	if cfg.Telegram != nil {
		r.Register(NewTelegram(cfg.Telegram, r.store))
	}
	if len(cfg.RSS) > 0 {
		r.Register(NewRSS(cfg.RSS, r.store, fetcher))
	}
}

// Run fetches every registered source in parallel. Adapter errors are
// collected into a compound error; sources that succeed keep their
// posts.
func (r *Runner) Run(ctx context.Context) error {
	collector := errs.NewCollector("ingest failed")
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, name := range r.Names() {
		adapter := r.adapters[name]
		wg.Add(1)
		go func() {
			defer wg.Done()

			var inserted int64
			sink := r.sink(&inserted)

			start := r.now()
			err := adapter.Fetch(ctx, sink)
			elapsed := r.now().Sub(start)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				collector.Add(fmt.Errorf("source %s: %w", adapter.Name(), err))
			}
			r.logger.Info("source fetched",
				"source", adapter.Name(),
				"inserted", inserted,
				"elapsed", elapsed.Round(time.Millisecond),
				"failed", err != nil)
		}()
	}
	wg.Wait()
	return collector.Err()
}

// sink builds the common persistence path: existence check, short-post
// shortcut, fetched_at stamp, insert.
func (r *Runner) sink(inserted *int64) Sink {
	return func(ctx context.Context, p *store.Post) error {
		exists, err := r.store.PostExists(ctx, p.Source, p.SourceID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		if p.FetchedAt == 0 {
			p.FetchedAt = r.now().Unix()
		}
		if tokenCount(p.ContentTxt) < shortPostTokens {
			p.IsIngested = true
			p.IsHidden = true
		}
		if err := r.store.InsertPost(ctx, p); err != nil {
			return err
		}
		*inserted++
		return nil
	}
}

func tokenCount(s string) int {
	return len(strings.Fields(s))
}

// watermarkTime returns the newest created_at for source, or now−lookback
// when the source is empty.
func watermarkTime(ctx context.Context, st *store.Store, source string, now time.Time) (time.Time, error) {
	ts, err := st.Watermark(ctx, source)
	if err != nil {
		return time.Time{}, err
	}
	if ts == 0 {
		return now.Add(-DefaultLookback), nil
	}
	return time.Unix(ts, 0).UTC(), nil
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
