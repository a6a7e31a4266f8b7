package search

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/hazyhaar/ucti/internal/store"
)

// Cache stores finished result lists on disk, keyed by the canonical
// final query. Rows live in the database, payloads as gzipped CBOR
// files named <expiry-unix>_<hash>.cbor.gz.
type Cache struct {
	store *store.Store
	dir   string
	ttl   time.Duration
}

// NewCache creates a Cache writing payload files under dir.
func NewCache(st *store.Store, dir string, ttl time.Duration) *Cache {
	return &Cache{store: st, dir: dir, ttl: ttl}
}

// Enabled reports whether the cache should be consulted at all. Safe
// on a nil receiver.
func (c *Cache) Enabled() bool {
	return c != nil && c.ttl > 0
}

func queryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Fetch returns the cached matches for the query, or ok=false when the
// entry is absent, expired, or its payload file has gone missing.
func (c *Cache) Fetch(ctx context.Context, query string, now time.Time) ([]Match, bool, error) {
	entry, err := c.store.CacheEntryByHash(ctx, queryHash(query))
	if err != nil {
		return nil, false, err
	}
	if entry == nil || entry.ExpiresAt <= now.Unix() {
		return nil, false, nil
	}

	f, err := os.Open(filepath.Join(c.dir, entry.Filepath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, false, fmt.Errorf("cache entry %s: %w", entry.Filepath, err)
	}
	defer zr.Close()

	var matches []Match
	if err := cbor.NewDecoder(zr).Decode(&matches); err != nil {
		return nil, false, fmt.Errorf("cache entry %s: %w", entry.Filepath, err)
	}
	return matches, true, nil
}

// Save persists the matches for the query. The payload file is written
// first; if another writer already claimed the hash, the file is
// removed again and its row kept.
func (c *Cache) Save(ctx context.Context, query string, matches []Match, now time.Time) error {
	hash := queryHash(query)
	expires := now.Add(c.ttl)
	name := fmt.Sprintf("%d_%s.cbor.gz", expires.Unix(), hash)
	path := filepath.Join(c.dir, name)

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if err := cbor.NewEncoder(zw).Encode(matches); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	inserted, err := c.store.InsertCacheEntry(ctx, &store.CacheEntry{
		QueryHash: hash,
		Query:     query,
		ExpiresAt: expires.Unix(),
		Filepath:  name,
	})
	if err != nil {
		return err
	}
	if !inserted {
		os.Remove(path)
	}
	return nil
}

// Expire removes entries past their expiry together with their payload
// files and returns how many were dropped.
func (c *Cache) Expire(ctx context.Context, now time.Time) (int, error) {
	entries, err := c.store.ExpiredCacheEntries(ctx, now.Unix())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		os.Remove(filepath.Join(c.dir, entry.Filepath))
		if err := c.store.DeleteCacheEntry(ctx, entry.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
