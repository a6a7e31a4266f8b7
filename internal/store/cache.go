package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/ucti/internal/dbopen"
)

// CacheEntry indexes one cached search result. Filepath is relative to
// the cache directory.
type CacheEntry struct {
	ID        int64
	QueryHash string
	Query     string
	ExpiresAt int64
	Filepath  string
}

// CacheEntryByHash retrieves a cache row by query hash, nil when absent.
func (s *Store) CacheEntryByHash(ctx context.Context, hash string) (*CacheEntry, error) {
	var e CacheEntry
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, query_hash, query, expires_at, filepath
		FROM search_cache WHERE query_hash = ?`, hash).
		Scan(&e.ID, &e.QueryHash, &e.Query, &e.ExpiresAt, &e.Filepath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache entry: %w", err)
	}
	return &e, nil
}

// InsertCacheEntry stores a cache row unless one with the same hash
// already exists. It reports whether the row was inserted.
func (s *Store) InsertCacheEntry(ctx context.Context, e *CacheEntry) (bool, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO search_cache (query_hash, query, expires_at, filepath)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(query_hash) DO NOTHING`,
		e.QueryHash, e.Query, e.ExpiresAt, e.Filepath)
	if err != nil {
		return false, fmt.Errorf("insert cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		e.ID, _ = res.LastInsertId()
	}
	return n > 0, nil
}

// ExpiredCacheEntries lists rows whose expires_at is before now.
func (s *Store) ExpiredCacheEntries(ctx context.Context, now int64) ([]*CacheEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, query_hash, query, expires_at, filepath
		FROM search_cache WHERE expires_at < ?`, now)
	if err != nil {
		return nil, fmt.Errorf("expired cache entries: %w", err)
	}
	defer rows.Close()

	var out []*CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.ID, &e.QueryHash, &e.Query, &e.ExpiresAt, &e.Filepath); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteCacheEntry removes a cache row.
func (s *Store) DeleteCacheEntry(ctx context.Context, id int64) error {
	_, err := dbopen.Exec(ctx, s.DB, `DELETE FROM search_cache WHERE id = ?`, id)
	return err
}
