package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/fetch"
	"github.com/hazyhaar/ucti/internal/store"
)

// BaserowAdapter drains a Baserow table used as a drop-box. One page
// per run is enough: deleting processed rows makes the table
// self-draining across runs.
type BaserowAdapter struct {
	cfg     *config.Baserow
	fetcher *fetch.Fetcher
	now     func() time.Time
}

// NewBaserow creates the adapter.
func NewBaserow(cfg *config.Baserow, fetcher *fetch.Fetcher) *BaserowAdapter {
	return &BaserowAdapter{cfg: cfg, fetcher: fetcher, now: time.Now}
}

func (b *BaserowAdapter) Name() string { return "baserow" }

func (b *BaserowAdapter) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+b.cfg.APIKey)
	h.Set("Content-Type", "application/json")
	return h
}

// Fetch lists rows with user field names, stores them and deletes each
// processed row.
func (b *BaserowAdapter) Fetch(ctx context.Context, sink Sink) error {
	listURL := fmt.Sprintf("%s/database/rows/table/%s/?user_field_names=true", b.cfg.BaseURL, b.cfg.TableID)

	var page struct {
		Results []json.RawMessage `json:"results"`
	}
	if _, err := b.fetcher.GetJSON(ctx, listURL, b.header(), &page); err != nil {
		return fmt.Errorf("list rows: %w", err)
	}

	for _, raw := range page.Results {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return fmt.Errorf("decode row: %w", err)
		}
		rowID, ok := row["id"].(float64)
		if !ok {
			continue
		}

		if err := sink(ctx, b.toPost(raw, row, int64(rowID))); err != nil {
			return err
		}

		deleteURL := fmt.Sprintf("%s/database/rows/table/%s/%d/", b.cfg.BaseURL, b.cfg.TableID, int64(rowID))
		if _, err := b.fetcher.Delete(ctx, deleteURL, b.header()); err != nil {
			return fmt.Errorf("delete row %d: %w", int64(rowID), err)
		}
	}
	return nil
}

// toPost maps a row to a post. Unlike Airtable, missing fields fall
// back to defaults instead of dropping the row.
func (b *BaserowAdapter) toPost(raw json.RawMessage, row map[string]any, rowID int64) *store.Post {
	content, _ := stringField(row, "Content")
	account, _ := stringField(row, "Account")
	link, _ := stringField(row, "Link")
	source, ok := stringField(row, "Source")
	if !ok || source == "" {
		source = "baserow"
	}
	sourceID, ok := anyField(row, "Id")
	if !ok || sourceID == "" {
		sourceID = fmt.Sprint(rowID)
	}

	createdAt := b.now()
	if s, ok := stringField(row, "created_on"); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			createdAt = t
		}
	}

	return &store.Post{
		Source:      source,
		SourceID:    sourceID,
		User:        account,
		URL:         link,
		CreatedAt:   createdAt.Unix(),
		ContentHTML: content,
		ContentTxt:  content,
		Raw:         string(raw),
	}
}
