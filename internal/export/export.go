// Package export writes and restores gzipped JSONL snapshots of the
// post corpus, tags and IoC links included.
package export

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hazyhaar/ucti/internal/errs"
	"github.com/hazyhaar/ucti/internal/store"
)

const (
	batchSize         = 1000
	importConcurrency = 16
)

// Record is one snapshot line: the post with its tags and IoCs
// embedded, ids left behind.
type Record struct {
	Source        string      `json:"source"`
	SourceID      string      `json:"source_id"`
	User          string      `json:"user"`
	URL           string      `json:"url"`
	CreatedAt     int64       `json:"created_at"`
	FetchedAt     int64       `json:"fetched_at"`
	ContentHTML   string      `json:"content_html,omitempty"`
	ContentTxt    string      `json:"content_txt"`
	ContentMD     string      `json:"content_md,omitempty"`
	ContentSearch string      `json:"content_search,omitempty"`
	Raw           string      `json:"raw,omitempty"`
	IsHidden      bool        `json:"is_hidden"`
	IsIngested    bool        `json:"is_ingested"`
	TagsAssigned  bool        `json:"tags_assigned"`
	IoCsAssigned  bool        `json:"iocs_assigned"`
	Tags          []RecordTag `json:"tags,omitempty"`
	IoCs          []RecordIoC `json:"iocs,omitempty"`
}

// RecordTag is a tag embedded in a snapshot line.
type RecordTag struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// RecordIoC is an IoC embedded in a snapshot line.
type RecordIoC struct {
	Value   string `json:"value"`
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Comment string `json:"comment,omitempty"`
}

func newRecord(p *store.Post, tags []*store.Tag, iocs []*store.IoC) *Record {
	rec := &Record{
		Source:        p.Source,
		SourceID:      p.SourceID,
		User:          p.User,
		URL:           p.URL,
		CreatedAt:     p.CreatedAt,
		FetchedAt:     p.FetchedAt,
		ContentHTML:   p.ContentHTML,
		ContentTxt:    p.ContentTxt,
		ContentMD:     p.ContentMD,
		ContentSearch: p.ContentSearch,
		Raw:           p.Raw,
		IsHidden:      p.IsHidden,
		IsIngested:    p.IsIngested,
		TagsAssigned:  p.TagsAssigned,
		IoCsAssigned:  p.IoCsAssigned,
	}
	for _, t := range tags {
		rec.Tags = append(rec.Tags, RecordTag{Name: t.Name, Color: t.Color})
	}
	for _, ioc := range iocs {
		rec.IoCs = append(rec.IoCs, RecordIoC{
			Value: ioc.Value, Type: ioc.Type, Subtype: ioc.Subtype, Comment: ioc.Comment,
		})
	}
	return rec
}

func (r *Record) post() *store.Post {
	return &store.Post{
		Source:        r.Source,
		SourceID:      r.SourceID,
		User:          r.User,
		URL:           r.URL,
		CreatedAt:     r.CreatedAt,
		FetchedAt:     r.FetchedAt,
		ContentHTML:   r.ContentHTML,
		ContentTxt:    r.ContentTxt,
		ContentMD:     r.ContentMD,
		ContentSearch: r.ContentSearch,
		Raw:           r.Raw,
		IsHidden:      r.IsHidden,
		IsIngested:    r.IsIngested,
		TagsAssigned:  r.TagsAssigned,
		IoCsAssigned:  r.IoCsAssigned,
	}
}

// Exporter moves snapshots in and out of the store.
type Exporter struct {
	store       *store.Store
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

// New creates an Exporter.
func New(st *store.Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		store:       st,
		logger:      logger,
		concurrency: importConcurrency,
		now:         time.Now,
	}
}

// Export writes every exportable post (visible or not yet classified)
// into dir as posts-<yyyy-mm-dd>.jsonl.gz and returns the file path.
// Batches page by ascending id so the snapshot is stable under
// concurrent inserts.
func (e *Exporter) Export(ctx context.Context, dir string) (string, error) {
	name := fmt.Sprintf("posts-%s.jsonl.gz", e.now().UTC().Format("2006-01-02"))
	path := filepath.Join(dir, name)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)

	var rows int64
	afterID := int64(0)
	for {
		posts, err := e.store.RawBatch(ctx, afterID, batchSize)
		if err != nil {
			f.Close()
			return "", fmt.Errorf("export batch after %d: %w", afterID, err)
		}
		if len(posts) == 0 {
			break
		}
		afterID = posts[len(posts)-1].ID
		e.logger.Debug("export batch", "after_id", afterID, "posts", len(posts))

		for _, p := range posts {
			tags, err := e.store.TagsForPost(ctx, p.ID)
			if err != nil {
				f.Close()
				return "", fmt.Errorf("export post %d: %w", p.ID, err)
			}
			iocs, err := e.store.IoCsForPost(ctx, p.ID)
			if err != nil {
				f.Close()
				return "", fmt.Errorf("export post %d: %w", p.ID, err)
			}
			if err := enc.Encode(newRecord(p, tags, iocs)); err != nil {
				f.Close()
				return "", fmt.Errorf("export post %d: %w", p.ID, err)
			}
			rows++
		}
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("export: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}

	size := int64(0)
	if stat, err := os.Stat(path); err == nil {
		size = stat.Size()
	}
	e.logger.Info("export finished",
		"file", path,
		"posts", humanize.Comma(rows),
		"size", humanize.Bytes(uint64(size)))
	return path, nil
}

// Import restores a snapshot. Posts already present by (source,
// source_id) are skipped; tag and IoC links are recreated through the
// usual upserts. Returns how many posts were inserted; per-record
// failures accumulate without stopping the run.
func (e *Exporter) Import(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("import: %w", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("import %s: %w", path, err)
	}
	defer zr.Close()

	collector := errs.NewCollector(fmt.Sprintf("import %s failed", filepath.Base(path)))
	dec := json.NewDecoder(zr)
	gate := make(chan struct{}, e.concurrency)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		imported int
	)

	line := 0
	for {
		if ctx.Err() != nil {
			collector.Add(ctx.Err())
			break
		}
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if !errors.Is(err, io.EOF) {
				collector.Addf("line %d: %w", line+1, err)
			}
			break
		}
		line++

		gate <- struct{}{}
		wg.Add(1)
		go func(rec *Record, line int) {
			defer wg.Done()
			defer func() { <-gate }()
			ok, err := e.importRecord(ctx, rec)
			if err != nil {
				mu.Lock()
				collector.Add(fmt.Errorf("line %d (%s/%s): %w", line, rec.Source, rec.SourceID, err))
				mu.Unlock()
				return
			}
			if ok {
				mu.Lock()
				imported++
				mu.Unlock()
			}
		}(&rec, line)
	}
	wg.Wait()

	e.logger.Info("import finished",
		"file", path,
		"read", humanize.Comma(int64(line)),
		"imported", humanize.Comma(int64(imported)),
		"failed", collector.Len())
	return imported, collector.Err()
}

func (e *Exporter) importRecord(ctx context.Context, rec *Record) (bool, error) {
	exists, err := e.store.PostExists(ctx, rec.Source, rec.SourceID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	p := rec.post()
	if err := e.store.InsertPost(ctx, p); err != nil {
		return false, err
	}

	if len(rec.Tags) > 0 {
		ids := make([]int64, 0, len(rec.Tags))
		for _, t := range rec.Tags {
			tag, err := e.store.UpsertTagByName(ctx, t.Name, t.Color)
			if err != nil {
				return false, err
			}
			ids = append(ids, tag.ID)
		}
		if err := e.store.ConnectTags(ctx, p.ID, ids); err != nil {
			return false, err
		}
	}
	if len(rec.IoCs) > 0 {
		ids := make([]int64, 0, len(rec.IoCs))
		for _, ri := range rec.IoCs {
			ioc := &store.IoC{Value: ri.Value, Type: ri.Type, Subtype: ri.Subtype, Comment: ri.Comment}
			if err := e.store.UpsertIoC(ctx, ioc); err != nil {
				return false, err
			}
			ids = append(ids, ioc.ID)
		}
		if err := e.store.ConnectIoCs(ctx, p.ID, ids); err != nil {
			return false, err
		}
	}
	return true, nil
}
