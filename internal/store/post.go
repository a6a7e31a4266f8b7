package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/ucti/internal/dbopen"
)

// Post is one harvested item. Timestamps are Unix seconds UTC.
// ContentSearch is the materialized search document; empty means not yet
// built.
type Post struct {
	ID            int64
	Source        string
	SourceID      string
	User          string
	URL           string
	CreatedAt     int64
	FetchedAt     int64
	ContentHTML   string
	ContentTxt    string
	ContentMD     string
	ContentSearch string
	Raw           string
	IsHidden      bool
	IsIngested    bool
	TagsAssigned  bool
	IoCsAssigned  bool
}

// Created returns CreatedAt as a UTC time.
func (p *Post) Created() time.Time { return time.Unix(p.CreatedAt, 0).UTC() }

const postColumns = `id, source, source_id, user, url, created_at, fetched_at,
	content_html, content_txt, content_md, content_search, raw,
	is_hidden, is_ingested, tags_assigned, iocs_assigned`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*Post, error) {
	var p Post
	var search sql.NullString
	err := row.Scan(&p.ID, &p.Source, &p.SourceID, &p.User, &p.URL,
		&p.CreatedAt, &p.FetchedAt, &p.ContentHTML, &p.ContentTxt,
		&p.ContentMD, &search, &p.Raw,
		&p.IsHidden, &p.IsIngested, &p.TagsAssigned, &p.IoCsAssigned)
	if err != nil {
		return nil, err
	}
	p.ContentSearch = search.String
	return &p, nil
}

func collectPosts(rows *sql.Rows) ([]*Post, error) {
	defer rows.Close()
	var posts []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertPost stores a new post and fills in its ID. The raw blob defaults
// to an empty JSON object.
func (s *Store) InsertPost(ctx context.Context, p *Post) error {
	if p.Raw == "" {
		p.Raw = "{}"
	}
	res, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO posts (source, source_id, user, url, created_at, fetched_at,
		content_html, content_txt, content_md, content_search, raw,
		is_hidden, is_ingested, tags_assigned, iocs_assigned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Source, p.SourceID, p.User, p.URL, p.CreatedAt, p.FetchedAt,
		p.ContentHTML, p.ContentTxt, p.ContentMD, nullable(p.ContentSearch), p.Raw,
		p.IsHidden, p.IsIngested, p.TagsAssigned, p.IoCsAssigned,
	)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// PostByID retrieves a post, nil when absent.
func (s *Store) PostByID(ctx context.Context, id int64) (*Post, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan post: %w", err)
	}
	return p, nil
}

// PostBySource retrieves a post by its (source, source_id) pair, nil when
// absent.
func (s *Store) PostBySource(ctx context.Context, source, sourceID string) (*Post, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE source = ? AND source_id = ?`,
		source, sourceID)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan post: %w", err)
	}
	return p, nil
}

// PostExists reports whether a (source, source_id) pair is already stored.
// Adapters use it to skip items seen on a previous run.
func (s *Store) PostExists(ctx context.Context, source, sourceID string) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts WHERE source = ? AND source_id = ?`,
		source, sourceID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("post exists: %w", err)
	}
	return count > 0, nil
}

// Watermark returns the most recent created_at for a source, 0 when the
// source has no posts yet.
func (s *Store) Watermark(ctx context.Context, source string) (int64, error) {
	var ts sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM posts WHERE source = ?`, source).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return ts.Int64, nil
}

// LatestSourceID returns the source_id of the newest post for a source,
// empty when the source has no posts yet. Sources with monotonic ids use
// it as the paging lower bound.
func (s *Store) LatestSourceID(ctx context.Context, source string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`SELECT source_id FROM posts WHERE source = ? ORDER BY created_at DESC LIMIT 1`,
		source).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest source id: %w", err)
	}
	return id, nil
}

// PendingIngest lists posts not yet classified, oldest id first.
// Empty source selects across all sources.
func (s *Store) PendingIngest(ctx context.Context, source string) ([]*Post, error) {
	return s.pending(ctx, `is_ingested = 0`, source)
}

// PendingTags lists visible posts without assigned tags, oldest id first.
func (s *Store) PendingTags(ctx context.Context, source string) ([]*Post, error) {
	return s.pending(ctx, `tags_assigned = 0 AND is_hidden = 0`, source)
}

// PendingIoCs lists visible posts without extracted IoCs, oldest id first.
func (s *Store) PendingIoCs(ctx context.Context, source string) ([]*Post, error) {
	return s.pending(ctx, `iocs_assigned = 0 AND is_hidden = 0`, source)
}

// DistinctPendingSources lists the sources that still have posts
// waiting on any enrichment stage.
func (s *Store) DistinctPendingSources(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT source FROM posts
		WHERE is_ingested = 0
		   OR (is_hidden = 0 AND (tags_assigned = 0 OR iocs_assigned = 0))
		ORDER BY source`)
	if err != nil {
		return nil, fmt.Errorf("pending sources: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, source)
	}
	return sources, rows.Err()
}

// VisiblePosts lists every non-hidden post, oldest id first. The
// re-filter jobs walk this set.
func (s *Store) VisiblePosts(ctx context.Context) ([]*Post, error) {
	return s.pending(ctx, `is_hidden = 0`, "")
}

func (s *Store) pending(ctx context.Context, cond, source string) ([]*Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE ` + cond
	args := []any{}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pending posts: %w", err)
	}
	return collectPosts(rows)
}

// SetPostVisibility flips is_hidden and marks the post ingested; the two
// always change together at the end of classification.
func (s *Store) SetPostVisibility(ctx context.Context, id int64, hidden bool) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE posts SET is_hidden = ?, is_ingested = 1 WHERE id = ?`, hidden, id)
	return err
}

// MarkTagsAssigned sets the tag-stage completion flag.
func (s *Store) MarkTagsAssigned(ctx context.Context, id int64) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE posts SET tags_assigned = 1 WHERE id = ?`, id)
	return err
}

// MarkIoCsAssigned sets the IoC-stage completion flag.
func (s *Store) MarkIoCsAssigned(ctx context.Context, id int64) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE posts SET iocs_assigned = 1 WHERE id = ?`, id)
	return err
}

// SetContentSearch materializes the search document for a post. The FTS
// index follows via the update trigger.
func (s *Store) SetContentSearch(ctx context.Context, id int64, doc string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE posts SET content_search = ? WHERE id = ?`, nullable(doc), id)
	return err
}

// FullTextMatch runs an FTS5 boolean-mode query over visible posts whose
// created_at falls in [from, to], capped at limit rows.
func (s *Store) FullTextMatch(ctx context.Context, match string, from, to int64, limit int) ([]*Post, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+postColumnsPrefixed+`
		FROM posts_fts f
		JOIN posts p ON p.id = f.rowid
		WHERE posts_fts MATCH ?
		  AND p.is_hidden = 0
		  AND p.created_at >= ? AND p.created_at <= ?
		LIMIT ?`, match, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("fulltext match %q: %w", match, err)
	}
	return collectPosts(rows)
}

const postColumnsPrefixed = `p.id, p.source, p.source_id, p.user, p.url,
	p.created_at, p.fetched_at, p.content_html, p.content_txt, p.content_md,
	p.content_search, p.raw, p.is_hidden, p.is_ingested, p.tags_assigned,
	p.iocs_assigned`

// RawBatch pages through exportable posts (visible or not yet classified)
// by ascending id, starting strictly after afterID.
func (s *Store) RawBatch(ctx context.Context, afterID int64, limit int) ([]*Post, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		WHERE id > ? AND (is_hidden = 0 OR is_ingested = 0)
		ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("raw batch: %w", err)
	}
	return collectPosts(rows)
}
