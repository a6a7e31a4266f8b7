package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/fetch"
	"github.com/hazyhaar/ucti/internal/htmltext"
	"github.com/hazyhaar/ucti/internal/store"
)

const mastodonPageLimit = 40

// Mastodon pages the authenticated home timeline backwards until the
// watermark. It talks to the REST API directly because the rate limit
// headers drive the paging cadence.
type Mastodon struct {
	cfg     *config.Mastodon
	store   *store.Store
	fetcher *fetch.Fetcher
	pause   time.Duration
	now     func() time.Time
}

// NewMastodon creates the adapter.
func NewMastodon(cfg *config.Mastodon, st *store.Store, fetcher *fetch.Fetcher) *Mastodon {
	return &Mastodon{cfg: cfg, store: st, fetcher: fetcher, pause: time.Second, now: time.Now}
}

func (m *Mastodon) Name() string { return "mastodon" }

type mastodonAccount struct {
	Acct string `json:"acct"`
}

type mastodonStatus struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Content   string          `json:"content"`
	URL       string          `json:"url"`
	URI       string          `json:"uri"`
	Account   mastodonAccount `json:"account"`
}

// Fetch walks timeline pages newest-first. min_id pins the lower bound
// to the newest stored status so the server skips known history; max_id
// moves backwards through the remainder.
func (m *Mastodon) Fetch(ctx context.Context, sink Sink) error {
	minID, err := m.store.LatestSourceID(ctx, m.Name())
	if err != nil {
		return err
	}
	watermark, err := watermarkTime(ctx, m.store, m.Name(), m.now())
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.AccessToken)

	maxID := ""
	for {
		raws, res, err := m.page(ctx, header, minID, maxID)
		if err != nil {
			return err
		}
		if len(raws) == 0 {
			return nil
		}

		var lastID string
		for _, raw := range raws {
			var st mastodonStatus
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			lastID = st.ID

			if !st.CreatedAt.After(watermark) {
				return nil
			}

			link := st.URL
			if link == "" {
				link = st.URI
			}
			post := &store.Post{
				Source:      m.Name(),
				SourceID:    st.ID,
				User:        st.Account.Acct,
				URL:         link,
				CreatedAt:   st.CreatedAt.Unix(),
				ContentHTML: st.Content,
				ContentMD:   htmltext.Markdown(st.Content),
				ContentTxt:  htmltext.Text(st.Content),
				Raw:         string(raw),
			}
			if err := sink(ctx, post); err != nil {
				return err
			}
		}
		maxID = lastID

		if err := m.rateLimitPause(ctx, res.Header); err != nil {
			return err
		}
		if err := sleepCtx(ctx, m.pause); err != nil {
			return err
		}
	}
}

func (m *Mastodon) page(ctx context.Context, header http.Header, minID, maxID string) ([]json.RawMessage, *fetch.Result, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(mastodonPageLimit))
	if minID != "" {
		q.Set("min_id", minID)
	}
	if maxID != "" {
		q.Set("max_id", maxID)
	}
	endpoint := m.cfg.APIBaseURL + "/api/v1/timelines/home?" + q.Encode()

	res, err := m.fetcher.Get(ctx, endpoint, header)
	if err != nil {
		return nil, nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(res.Body, &raws); err != nil {
		return nil, nil, fmt.Errorf("decode timeline: %w", err)
	}
	return raws, res, nil
}

// rateLimitPause sleeps until X-RateLimit-Reset when the remaining
// budget is exhausted.
func (m *Mastodon) rateLimitPause(ctx context.Context, header http.Header) error {
	remaining, err := strconv.Atoi(header.Get("X-RateLimit-Remaining"))
	if err != nil || remaining > 1 {
		return nil
	}
	reset, err := time.Parse(time.RFC3339, header.Get("X-RateLimit-Reset"))
	if err != nil {
		return nil
	}
	return sleepCtx(ctx, reset.Sub(m.now()))
}
