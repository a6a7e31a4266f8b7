package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/ucti/internal/dbopen"
)

// Store wraps the service database. All methods are safe for concurrent
// use; WAL mode allows readers alongside the single writer.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
// The schema must have been applied.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.DB.Close() }

// Tx runs fn inside a transaction, retrying on SQLITE_BUSY.
func (s *Store) Tx(ctx context.Context, fn func(*sql.Tx) error) error {
	return dbopen.RunTx(ctx, s.DB, fn)
}

// JobLastRun returns the stored last-run time of a scheduler job as Unix
// seconds, 0 when the job never ran.
func (s *Store) JobLastRun(ctx context.Context, name string) (int64, error) {
	var ts int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT last_run FROM job_state WHERE name = ?`, name).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("job last run: %w", err)
	}
	return ts, nil
}

// SetJobLastRun records the last-run time of a scheduler job.
func (s *Store) SetJobLastRun(ctx context.Context, name string, ts int64) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO job_state (name, last_run) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET last_run = excluded.last_run`, name, ts)
	return err
}

// FeedState holds the validators of the last successful fetch of a
// feed URL.
type FeedState struct {
	ETag         string
	LastModified string
	BodyHash     string
}

// FeedState returns the stored validators for url, the zero value when
// the feed was never fetched.
func (s *Store) FeedState(ctx context.Context, url string) (FeedState, error) {
	var fs FeedState
	err := s.DB.QueryRowContext(ctx,
		`SELECT etag, last_modified, body_hash FROM feed_state WHERE url = ?`,
		url).Scan(&fs.ETag, &fs.LastModified, &fs.BodyHash)
	if err == sql.ErrNoRows {
		return FeedState{}, nil
	}
	if err != nil {
		return FeedState{}, fmt.Errorf("feed state: %w", err)
	}
	return fs, nil
}

// SetFeedState records the validators for url.
func (s *Store) SetFeedState(ctx context.Context, url string, fs FeedState) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO feed_state (url, etag, last_modified, body_hash) VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			body_hash = excluded.body_hash`,
		url, fs.ETag, fs.LastModified, fs.BodyHash)
	return err
}

// IngestStats summarizes ingestion freshness for the healthcheck.
type IngestStats struct {
	Total    int64            `json:"total"`
	Services map[string]int64 `json:"services"`
	Earliest int64            `json:"earliest"`
	Latest   int64            `json:"latest"`
}

// Stats reports the post count and the newest fetched_at per source.
// Hidden posts do not count toward freshness. Earliest/Latest are the
// min/max of the per-source values.
func (s *Store) Stats(ctx context.Context) (*IngestStats, error) {
	st := &IngestStats{Services: make(map[string]int64)}

	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts`).Scan(&st.Total); err != nil {
		return nil, fmt.Errorf("stats count: %w", err)
	}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT source, MAX(fetched_at) FROM posts WHERE is_hidden = 0 GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("stats services: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var latest int64
		if err := rows.Scan(&source, &latest); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.Services[source] = latest
		if st.Earliest == 0 || latest < st.Earliest {
			st.Earliest = latest
		}
		if latest > st.Latest {
			st.Latest = latest
		}
	}
	return st, rows.Err()
}
