package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/dbopen"
	"github.com/hazyhaar/ucti/internal/fetch"
	"github.com/hazyhaar/ucti/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
}

func testFetcher() *fetch.Fetcher {
	return fetch.New(fetch.Config{URLValidator: func(string) error { return nil }})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAdapter struct {
	name  string
	posts []*store.Post
	err   error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Fetch(ctx context.Context, sink Sink) error {
	for _, p := range f.posts {
		if err := sink(ctx, p); err != nil {
			return err
		}
	}
	return f.err
}

func fakePost(source, sourceID, txt string) *store.Post {
	return &store.Post{
		Source:     source,
		SourceID:   sourceID,
		User:       "someone",
		URL:        "https://example.org/" + sourceID,
		CreatedAt:  time.Now().Unix(),
		ContentTxt: txt,
	}
}

func TestRunnerHidesShortPosts(t *testing.T) {
	st := openTestStore(t)
	r := NewRunner(st, testLogger())
	r.Register(&fakeAdapter{name: "fake", posts: []*store.Post{
		fakePost("fake", "1", "too short"),
		fakePost("fake", "2", "long enough to classify later"),
	}})

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx := context.Background()
	short, _ := st.PostBySource(ctx, "fake", "1")
	if short == nil || !short.IsIngested || !short.IsHidden {
		t.Errorf("two-token post should be ingested and hidden, got %+v", short)
	}
	long, _ := st.PostBySource(ctx, "fake", "2")
	if long == nil || long.IsIngested || long.IsHidden {
		t.Errorf("long post should stay pending and visible, got %+v", long)
	}
	if short.FetchedAt == 0 {
		t.Error("fetched_at not stamped")
	}

	// Hidden means hidden from every enrichment stage, not just the
	// classifier: neither the tag nor the ioc queue may drain it.
	for name, pending := range map[string]func(context.Context, string) ([]*store.Post, error){
		"tags": st.PendingTags,
		"iocs": st.PendingIoCs,
	} {
		posts, err := pending(ctx, "")
		if err != nil {
			t.Fatalf("pending %s: %v", name, err)
		}
		for _, p := range posts {
			if p.ID == short.ID {
				t.Errorf("short post leaked into the %s queue", name)
			}
		}
	}
}

func TestRunnerSkipsExistingPosts(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	orig := fakePost("fake", "1", "stored on an earlier run")
	orig.FetchedAt = 1111
	if err := st.InsertPost(ctx, orig); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := NewRunner(st, testLogger())
	r.Register(&fakeAdapter{name: "fake", posts: []*store.Post{
		fakePost("fake", "1", "refetched duplicate"),
	}})
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := st.PostBySource(ctx, "fake", "1")
	if got.FetchedAt != 1111 {
		t.Errorf("duplicate overwrote first fetch, fetched_at = %d", got.FetchedAt)
	}
	if got.ContentTxt != "stored on an earlier run" {
		t.Errorf("duplicate overwrote content: %q", got.ContentTxt)
	}
}

func TestRunnerCollectsAdapterErrors(t *testing.T) {
	st := openTestStore(t)
	r := NewRunner(st, testLogger())
	r.Register(&fakeAdapter{name: "broken", err: errors.New("api down")})
	r.Register(&fakeAdapter{name: "fine", posts: []*store.Post{
		fakePost("fine", "1", "a post that still lands"),
	}})

	err := r.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "api down") {
		t.Fatalf("err = %v, want wrapped adapter failure", err)
	}

	got, _ := st.PostBySource(context.Background(), "fine", "1")
	if got == nil {
		t.Error("healthy source lost its post because another failed")
	}
}

func TestMastodonFetch(t *testing.T) {
	now := time.Date(2025, 11, 7, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-2 * time.Hour).Format(time.RFC3339)
	old := now.Add(-48 * time.Hour).Format(time.RFC3339)

	var pages atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/timelines/home" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer token123" {
			t.Errorf("authorization = %q", auth)
		}
		w.Header().Set("X-RateLimit-Remaining", "200")
		switch pages.Add(1) {
		case 1:
			fmt.Fprintf(w, `[
				{"id":"9002","created_at":%q,"content":"<p>APT41 drops <b>new loader</b></p>","url":"https://m.example/@sec/9002","account":{"acct":"sec"}},
				{"id":"9001","created_at":%q,"content":"<p>too old</p>","url":"https://m.example/@sec/9001","account":{"acct":"sec"}}
			]`, recent, old)
		default:
			fmt.Fprint(w, `[]`)
		}
	}))
	defer srv.Close()

	st := openTestStore(t)
	m := NewMastodon(&config.Mastodon{AccessToken: "token123", APIBaseURL: srv.URL}, st, testFetcher())
	m.pause = 0
	m.now = func() time.Time { return now }

	r := NewRunner(st, testLogger())
	r.now = func() time.Time { return now }
	r.Register(m)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx := context.Background()
	got, _ := st.PostBySource(ctx, "mastodon", "9002")
	if got == nil {
		t.Fatal("recent status not stored")
	}
	if got.ContentTxt != "APT41 drops new loader" {
		t.Errorf("content_txt = %q", got.ContentTxt)
	}
	if got.User != "sec" || got.URL != "https://m.example/@sec/9002" {
		t.Errorf("post = %+v", got)
	}

	// The 48h-old status sits behind the default lookback.
	if old, _ := st.PostBySource(ctx, "mastodon", "9001"); old != nil {
		t.Error("status older than the watermark was stored")
	}
	if pages.Load() != 1 {
		t.Errorf("server saw %d pages, want 1 (stopped at watermark)", pages.Load())
	}
}

func TestBlueskyFetch(t *testing.T) {
	now := time.Date(2025, 11, 7, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour).Format(time.RFC3339)
	old := now.Add(-30 * time.Hour).Format(time.RFC3339)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/com.atproto.server.createSession":
			fmt.Fprint(w, `{"accessJwt":"jwt-abc","did":"did:plc:x"}`)
		case "/app.bsky.feed.getFeed":
			if auth := r.Header.Get("Authorization"); auth != "Bearer jwt-abc" {
				t.Errorf("authorization = %q", auth)
			}
			fmt.Fprintf(w, `{"cursor":"next","feed":[
				{"post":{"uri":"at://did:plc:a/app.bsky.feed.post/3k44","cid":"bafy1","author":{"handle":"sec.bsky.social"},"record":{"text":"zero day dropped today in widgetd","createdAt":%q}}},
				{"post":{"uri":"at://did:plc:a/app.bsky.feed.post/3k40","cid":"bafy0","author":{"handle":"sec.bsky.social"},"record":{"text":"yesterday news","createdAt":%q}}}
			]}`, recent, old)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	st := openTestStore(t)
	b := NewBluesky(&config.Bluesky{Handle: "me.bsky.social", AppPassword: "pw", Feeds: []string{"at://feed/1"}}, st, testFetcher())
	b.api = srv.URL
	b.pause = 0
	b.now = func() time.Time { return now }

	if err := b.Fetch(context.Background(), func(ctx context.Context, p *store.Post) error {
		return st.InsertPost(ctx, p)
	}); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	ctx := context.Background()
	got, _ := st.PostBySource(ctx, "bluesky", "bafy1")
	if got == nil {
		t.Fatal("recent post not stored")
	}
	if got.URL != "https://bsky.app/profile/sec.bsky.social/post/3k44" {
		t.Errorf("url = %q", got.URL)
	}
	if !strings.Contains(got.Raw, `"$feed":"at://feed/1"`) {
		t.Errorf("raw missing feed marker: %s", got.Raw)
	}
	if old, _ := st.PostBySource(ctx, "bluesky", "bafy0"); old != nil {
		t.Error("post behind the watermark was stored")
	}
}

func TestBaserowFetchDrainsAndDeletes(t *testing.T) {
	var deleted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Token key9" {
			t.Errorf("authorization = %q", auth)
		}
		if r.Method == http.MethodDelete {
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fmt.Fprint(w, `{"results":[
			{"id":7,"created_on":"2025-11-07T08:00:00Z","Account":"tipper","Content":"fresh intel about a phishing kit","Link":"https://t.example/7","Source":"tips","Id":"tip-7"},
			{"id":8,"Content":"row with defaults applied everywhere"}
		]}`)
	}))
	defer srv.Close()

	st := openTestStore(t)
	b := NewBaserow(&config.Baserow{BaseURL: srv.URL, APIKey: "key9", TableID: "42"}, testFetcher())

	r := NewRunner(st, testLogger())
	r.Register(b)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx := context.Background()
	got, _ := st.PostBySource(ctx, "tips", "tip-7")
	if got == nil || got.User != "tipper" {
		t.Fatalf("row not stored: %+v", got)
	}
	if got.CreatedAt != time.Date(2025, 11, 7, 8, 0, 0, 0, time.UTC).Unix() {
		t.Errorf("created_at = %d", got.CreatedAt)
	}

	// Second row falls back to source "baserow" and the numeric row id.
	fallback, _ := st.PostBySource(ctx, "baserow", "8")
	if fallback == nil {
		t.Fatal("default-source row not stored")
	}

	if len(deleted) != 2 {
		t.Fatalf("deleted %d rows, want 2: %v", len(deleted), deleted)
	}
	if deleted[0] != "/database/rows/table/42/7/" {
		t.Errorf("delete path = %q", deleted[0])
	}
}

func TestRSSFetch(t *testing.T) {
	now := time.Date(2025, 11, 7, 12, 0, 0, 0, time.UTC)

	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		fmt.Fprint(w, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Vendor Blog</title>
<item>
  <title>Critical patch released</title>
  <link>https://vendor.example/patch</link>
  <description>Fixes an actively exploited bug in the parser.</description>
  <author>psirt@vendor.example</author>
  <pubDate>Fri, 07 Nov 2025 09:00:00 +0000</pubDate>
</item>
<item>
  <title>Too short</title>
  <link>https://vendor.example/short</link>
  <description></description>
  <author>psirt@vendor.example</author>
  <pubDate>Fri, 07 Nov 2025 09:30:00 +0000</pubDate>
</item>
<item>
  <title>No author entry with enough words to pass</title>
  <link>https://vendor.example/anon</link>
  <description>Plenty of text here.</description>
  <pubDate>Fri, 07 Nov 2025 09:45:00 +0000</pubDate>
</item>
<item>
  <title>Stale item from last month with many words</title>
  <link>https://vendor.example/stale</link>
  <description>Old news, should be filtered by the watermark.</description>
  <author>psirt@vendor.example</author>
  <pubDate>Tue, 07 Oct 2025 09:00:00 +0000</pubDate>
</item>
</channel></rss>`)
	}))
	defer srv.Close()

	st := openTestStore(t)
	r := NewRSS(map[string]config.RSSFeed{
		"vendor": {Name: "vendor", URL: srv.URL},
	}, st, testFetcher())
	r.pause = 0
	r.now = func() time.Time { return now }

	runner := NewRunner(st, testLogger())
	runner.now = func() time.Time { return now }
	runner.Register(r)
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if ua != "RSS Reader 2025.11" {
		t.Errorf("user agent = %q", ua)
	}

	ctx := context.Background()
	got, _ := st.PostBySource(ctx, "rss:vendor", "https://vendor.example/patch")
	if got == nil {
		t.Fatal("entry not stored")
	}
	if got.User != "psirt@vendor.example" {
		t.Errorf("user = %q", got.User)
	}
	if !strings.HasPrefix(got.ContentTxt, "Critical patch released") {
		t.Errorf("content_txt = %q", got.ContentTxt)
	}

	// The short entry is kept but hidden by the common sink rule.
	short, _ := st.PostBySource(ctx, "rss:vendor", "https://vendor.example/short")
	if short == nil || !short.IsHidden || !short.IsIngested {
		t.Errorf("short entry should be stored hidden, got %+v", short)
	}

	for _, id := range []string{"https://vendor.example/anon", "https://vendor.example/stale"} {
		if p, _ := st.PostBySource(ctx, "rss:vendor", id); p != nil {
			t.Errorf("entry %s should have been skipped", id)
		}
	}

	// Validators are stored, and an identical body on the next run is
	// recognized as unchanged.
	fs, err := st.FeedState(ctx, srv.URL)
	if err != nil || fs.BodyHash == "" {
		t.Fatalf("feed state = %+v, err %v", fs, err)
	}
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
}

func TestWatermarkTime(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 11, 7, 12, 0, 0, 0, time.UTC)

	// Empty source falls back to the default lookback.
	wm, err := watermarkTime(ctx, st, "mastodon", now)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if want := now.Add(-DefaultLookback); !wm.Equal(want) {
		t.Errorf("empty watermark = %v, want %v", wm, want)
	}

	p := fakePost("mastodon", "1", "a stored post with several words")
	p.CreatedAt = now.Add(-3 * time.Hour).Unix()
	if err := st.InsertPost(ctx, p); err != nil {
		t.Fatalf("seed: %v", err)
	}
	wm, err = watermarkTime(ctx, st, "mastodon", now)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !wm.Equal(now.Add(-3 * time.Hour)) {
		t.Errorf("watermark = %v, want newest created_at", wm)
	}
}
