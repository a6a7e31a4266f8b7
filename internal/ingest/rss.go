package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/errs"
	"github.com/hazyhaar/ucti/internal/feed"
	"github.com/hazyhaar/ucti/internal/fetch"
	"github.com/hazyhaar/ucti/internal/htmltext"
	"github.com/hazyhaar/ucti/internal/store"
)

const rssFeedPause = 10 * time.Second

// RSSAdapter polls every configured feed. Each feed gets its own source
// tag rss:<name> and therefore its own watermark.
type RSSAdapter struct {
	feeds   map[string]config.RSSFeed
	store   *store.Store
	fetcher *fetch.Fetcher
	pause   time.Duration
	now     func() time.Time
}

// NewRSS creates the adapter over the [rss.<name>] config sections.
func NewRSS(feeds map[string]config.RSSFeed, st *store.Store, fetcher *fetch.Fetcher) *RSSAdapter {
	return &RSSAdapter{feeds: feeds, store: st, fetcher: fetcher, pause: rssFeedPause, now: time.Now}
}

func (r *RSSAdapter) Name() string { return "rss" }

// Fetch walks the feeds in name order with a pause before each, so a
// large feed list spreads its requests out. Feed failures accumulate.
func (r *RSSAdapter) Fetch(ctx context.Context, sink Sink) error {
	names := make([]string, 0, len(r.feeds))
	for name := range r.feeds {
		names = append(names, name)
	}
	sort.Strings(names)

	collector := errs.NewCollector("rss feeds failed")
	for _, name := range names {
		if err := sleepCtx(ctx, r.pause); err != nil {
			return err
		}
		if err := r.fetchFeed(ctx, sink, r.feeds[name]); err != nil {
			if ctx.Err() != nil {
				return err
			}
			collector.Add(fmt.Errorf("feed %s: %w", name, err))
		}
	}
	return collector.Err()
}

func (r *RSSAdapter) fetchFeed(ctx context.Context, sink Sink, f config.RSSFeed) error {
	source := "rss:" + f.Name
	watermark, err := watermarkTime(ctx, r.store, source, r.now())
	if err != nil {
		return err
	}

	now := r.now().UTC()
	header := http.Header{}
	header.Set("User-Agent", fmt.Sprintf("RSS Reader %d.%d", now.Year(), int(now.Month())))

	prev, err := r.store.FeedState(ctx, f.URL)
	if err != nil {
		return err
	}
	res, err := r.fetcher.Fetch(ctx, f.URL, header, prev.ETag, prev.LastModified, prev.BodyHash)
	if err != nil {
		return err
	}
	if !res.Changed {
		return nil
	}
	parsed, err := feed.Parse(res.Body)
	if err != nil {
		return err
	}

	for _, entry := range parsed.Entries {
		post, ok := r.toPost(source, entry)
		if !ok {
			continue
		}
		// Feeds are not reliably ordered; filter instead of stopping.
		if entry.PublishedAt.Before(watermark) {
			continue
		}
		if err := sink(ctx, post); err != nil {
			return err
		}
	}

	// Validators only advance once every entry is stored, so a failed
	// run replays the feed next time.
	return r.store.SetFeedState(ctx, f.URL, store.FeedState{
		ETag:         res.ETag,
		LastModified: res.LastModified,
		BodyHash:     res.Hash,
	})
}

// toPost maps a feed entry. Entries without author, link or date are
// dropped; short ones are kept and the sink hides them like it does for
// every other source.
func (r *RSSAdapter) toPost(source string, entry feed.Entry) (*store.Post, bool) {
	if entry.Author == "" || entry.Link == "" || entry.Title == "" || entry.PublishedAt.IsZero() {
		return nil, false
	}

	summary := entry.Description
	if summary == "" {
		summary = entry.Content
	}
	contentHTML := entry.Title + " " + summary
	contentTxt := htmltext.Text(contentHTML)

	raw, err := json.Marshal(map[string]string{
		"guid":      entry.GUID,
		"title":     entry.Title,
		"link":      entry.Link,
		"summary":   summary,
		"author":    entry.Author,
		"published": entry.Published,
	})
	if err != nil {
		raw = []byte("{}")
	}

	return &store.Post{
		Source:      source,
		SourceID:    entry.Link,
		User:        entry.Author,
		URL:         entry.Link,
		CreatedAt:   entry.PublishedAt.Unix(),
		ContentHTML: contentHTML,
		ContentTxt:  contentTxt,
		Raw:         string(raw),
	}, true
}
