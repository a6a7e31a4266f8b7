package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/errs"
	"github.com/hazyhaar/ucti/internal/fetch"
	"github.com/hazyhaar/ucti/internal/store"
)

const (
	blueskyAPI       = "https://bsky.social/xrpc"
	blueskyPageLimit = 50
	blueskyPagePause = 10 * time.Second
)

// Bluesky reads the configured atproto feed generators with cursor
// paging, newest-first, down to the watermark.
type Bluesky struct {
	cfg     *config.Bluesky
	store   *store.Store
	fetcher *fetch.Fetcher
	api     string
	pause   time.Duration
	now     func() time.Time
}

// NewBluesky creates the adapter.
func NewBluesky(cfg *config.Bluesky, st *store.Store, fetcher *fetch.Fetcher) *Bluesky {
	return &Bluesky{cfg: cfg, store: st, fetcher: fetcher, api: blueskyAPI, pause: blueskyPagePause, now: time.Now}
}

func (b *Bluesky) Name() string { return "bluesky" }

type blueskySession struct {
	AccessJWT string `json:"accessJwt"`
}

type blueskyFeedPage struct {
	Cursor string            `json:"cursor"`
	Feed   []json.RawMessage `json:"feed"`
}

type blueskyFeedItem struct {
	Post struct {
		URI    string `json:"uri"`
		CID    string `json:"cid"`
		Author struct {
			Handle string `json:"handle"`
		} `json:"author"`
		Record struct {
			Text      string    `json:"text"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"record"`
	} `json:"post"`
}

// Fetch logs in once, then walks each configured feed. Feed failures
// are collected so one broken feed does not starve the rest.
func (b *Bluesky) Fetch(ctx context.Context, sink Sink) error {
	session, err := b.login(ctx)
	if err != nil {
		return err
	}
	watermark, err := watermarkTime(ctx, b.store, b.Name(), b.now())
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+session.AccessJWT)
	header.Set("Accept-Language", "en")

	collector := errs.NewCollector("bluesky feeds failed")
	for _, feedURI := range b.cfg.Feeds {
		if err := b.fetchFeed(ctx, sink, header, feedURI, watermark); err != nil {
			if ctx.Err() != nil {
				return err
			}
			collector.Add(fmt.Errorf("feed %s: %w", feedURI, err))
		}
	}
	return collector.Err()
}

func (b *Bluesky) login(ctx context.Context) (*blueskySession, error) {
	var session blueskySession
	_, err := b.fetcher.PostJSON(ctx, b.api+"/com.atproto.server.createSession", nil,
		map[string]string{
			"identifier": b.cfg.Handle,
			"password":   b.cfg.AppPassword,
		}, &session)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

func (b *Bluesky) fetchFeed(ctx context.Context, sink Sink, header http.Header, feedURI string, watermark time.Time) error {
	cursor := ""
	for {
		q := url.Values{}
		q.Set("feed", feedURI)
		q.Set("limit", fmt.Sprint(blueskyPageLimit))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var page blueskyFeedPage
		if _, err := b.fetcher.GetJSON(ctx, b.api+"/app.bsky.feed.getFeed?"+q.Encode(), header, &page); err != nil {
			return err
		}
		if err := sleepCtx(ctx, b.pause); err != nil {
			return err
		}

		for _, raw := range page.Feed {
			var item blueskyFeedItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return fmt.Errorf("decode feed item: %w", err)
			}
			if item.Post.Record.CreatedAt.Before(watermark) {
				return nil
			}
			if err := sink(ctx, b.toPost(raw, &item, feedURI)); err != nil {
				return err
			}
		}

		if page.Cursor == "" || len(page.Feed) == 0 {
			return nil
		}
		cursor = page.Cursor
	}
}

func (b *Bluesky) toPost(raw json.RawMessage, item *blueskyFeedItem, feedURI string) *store.Post {
	user := item.Post.Author.Handle
	rkey := item.Post.URI[strings.LastIndex(item.Post.URI, "/")+1:]
	text := item.Post.Record.Text

	return &store.Post{
		Source:      b.Name(),
		SourceID:    item.Post.CID,
		User:        user,
		URL:         fmt.Sprintf("https://bsky.app/profile/%s/post/%s", user, rkey),
		CreatedAt:   item.Post.Record.CreatedAt.Unix(),
		ContentHTML: text,
		ContentTxt:  text,
		Raw:         rawWithFeed(raw, feedURI),
	}
}

// rawWithFeed records which feed surfaced the post alongside the item.
func rawWithFeed(raw json.RawMessage, feedURI string) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return string(raw)
	}
	m["$feed"] = feedURI
	out, err := json.Marshal(m)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
