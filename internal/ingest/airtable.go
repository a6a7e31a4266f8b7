package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mehanizm/airtable"

	"github.com/hazyhaar/ucti/internal/config"
	"github.com/hazyhaar/ucti/internal/fetch"
	"github.com/hazyhaar/ucti/internal/store"
)

// AirtableAdapter drains an Airtable table used as a drop-box: rows are
// ingested and then deleted. The row itself names the source, so posts
// land under whatever source tag the submitter chose.
type AirtableAdapter struct {
	cfg   *config.Airtable
	table *airtable.Table
	now   func() time.Time
}

// NewAirtable creates the adapter. The fetcher's HTTP client carries
// the shared timeout policy into the Airtable SDK.
func NewAirtable(cfg *config.Airtable, fetcher *fetch.Fetcher) *AirtableAdapter {
	client := airtable.NewClient(cfg.APIKey)
	if fetcher != nil {
		client.SetCustomClient(fetcher.HTTPClient())
	}
	return &AirtableAdapter{
		cfg:   cfg,
		table: client.GetTable(cfg.BaseID, cfg.TableID),
		now:   time.Now,
	}
}

func (a *AirtableAdapter) Name() string { return "airtable" }

// Fetch lists all rows page by page, stores the well-formed ones and
// deletes every processed row.
func (a *AirtableAdapter) Fetch(ctx context.Context, sink Sink) error {
	offset := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req := a.table.GetRecords()
		if offset != "" {
			req = req.WithOffset(offset)
		}
		page, err := req.Do()
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}

		for _, rec := range page.Records {
			post, ok := a.toPost(rec)
			if ok {
				if err := sink(ctx, post); err != nil {
					return err
				}
			}
			if _, err := a.table.DeleteRecords([]string{rec.ID}); err != nil {
				return fmt.Errorf("delete record %s: %w", rec.ID, err)
			}
		}

		if page.Offset == "" {
			return nil
		}
		offset = page.Offset
	}
}

// toPost maps a row to a post. Rows missing a required field are
// dropped (they still get deleted by the caller).
func (a *AirtableAdapter) toPost(rec *airtable.Record) (*store.Post, bool) {
	account, ok1 := stringField(rec.Fields, "Account")
	content, ok2 := stringField(rec.Fields, "Content")
	link, ok3 := stringField(rec.Fields, "Link")
	source, ok4 := stringField(rec.Fields, "Source")
	sourceID, ok5 := anyField(rec.Fields, "Id")
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		return nil, false
	}

	createdAt := a.now()
	if t, err := time.Parse(time.RFC3339, rec.CreatedTime); err == nil {
		createdAt = t
	}
	raw, err := json.Marshal(rec.Fields)
	if err != nil {
		raw = []byte("{}")
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
	}, true
}

func stringField(fields map[string]any, name string) (string, bool) {
	v, ok := fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// anyField stringifies numeric or string ids.
func anyField(fields map[string]any, name string) (string, bool) {
	v, ok := fields[name]
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return fmt.Sprintf("%.0f", t), true
	default:
		return fmt.Sprint(t), true
	}
}
