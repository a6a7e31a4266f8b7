// Package store is the data access layer: posts, tags, IoCs, the search
// cache index and scheduler state, all in one SQLite database.
package store

import "database/sql"

// Schema is the complete schema, applied idempotently at open.
const Schema = `
-- Posts harvested from the configured sources
CREATE TABLE IF NOT EXISTS posts (
    id             INTEGER PRIMARY KEY,
    source         TEXT NOT NULL,
    source_id      TEXT NOT NULL,
    user           TEXT NOT NULL DEFAULT '',
    url            TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,
    fetched_at     INTEGER NOT NULL,
    content_html   TEXT NOT NULL DEFAULT '',
    content_txt    TEXT NOT NULL DEFAULT '',
    content_md     TEXT NOT NULL DEFAULT '',
    content_search TEXT,
    raw            TEXT NOT NULL DEFAULT '{}',
    is_hidden      INTEGER NOT NULL DEFAULT 0,
    is_ingested    INTEGER NOT NULL DEFAULT 0,
    tags_assigned  INTEGER NOT NULL DEFAULT 0,
    iocs_assigned  INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_source_unique ON posts(source, source_id);
CREATE INDEX IF NOT EXISTS idx_posts_created ON posts(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_posts_ingest ON posts(is_ingested);
CREATE INDEX IF NOT EXISTS idx_posts_visible ON posts(is_hidden, created_at DESC);

-- FTS5 on the materialized search document
CREATE VIRTUAL TABLE IF NOT EXISTS posts_fts USING fts5(
    content_search, content='posts', content_rowid='id',
    tokenize='unicode61 remove_diacritics 2'
);

-- Triggers to keep FTS5 in sync
CREATE TRIGGER IF NOT EXISTS posts_ai AFTER INSERT ON posts BEGIN
    INSERT INTO posts_fts(rowid, content_search) VALUES (new.id, coalesce(new.content_search, ''));
END;
CREATE TRIGGER IF NOT EXISTS posts_ad AFTER DELETE ON posts BEGIN
    INSERT INTO posts_fts(posts_fts, rowid, content_search) VALUES('delete', old.id, coalesce(old.content_search, ''));
END;
CREATE TRIGGER IF NOT EXISTS posts_au AFTER UPDATE ON posts BEGIN
    INSERT INTO posts_fts(posts_fts, rowid, content_search) VALUES('delete', old.id, coalesce(old.content_search, ''));
    INSERT INTO posts_fts(rowid, content_search) VALUES (new.id, coalesce(new.content_search, ''));
END;

-- Tags assigned by the enrichment pipeline
CREATE TABLE IF NOT EXISTS tags (
    id    INTEGER PRIMARY KEY,
    name  TEXT NOT NULL UNIQUE,
    color TEXT NOT NULL DEFAULT '#888888'
);

CREATE TABLE IF NOT EXISTS post_tags (
    post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    tag_id  INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (post_id, tag_id)
);
CREATE INDEX IF NOT EXISTS idx_post_tags_tag ON post_tags(tag_id);

-- Indicators of compromise; subtype '' when the type has none
CREATE TABLE IF NOT EXISTS iocs (
    id      INTEGER PRIMARY KEY,
    value   TEXT NOT NULL,
    type    TEXT NOT NULL,
    subtype TEXT NOT NULL DEFAULT '',
    comment TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_iocs_triple_unique ON iocs(type, subtype, value);

CREATE TABLE IF NOT EXISTS post_iocs (
    post_id INTEGER NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    ioc_id  INTEGER NOT NULL REFERENCES iocs(id) ON DELETE CASCADE,
    PRIMARY KEY (post_id, ioc_id)
);
CREATE INDEX IF NOT EXISTS idx_post_iocs_ioc ON post_iocs(ioc_id);

-- Search-result cache index; payload files live in the cache directory
CREATE TABLE IF NOT EXISTS search_cache (
    id         INTEGER PRIMARY KEY,
    query_hash TEXT NOT NULL UNIQUE,
    query      TEXT NOT NULL,
    expires_at INTEGER NOT NULL,
    filepath   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_cache_expiry ON search_cache(expires_at);

-- Durable per-job scheduler state
CREATE TABLE IF NOT EXISTS job_state (
    name     TEXT PRIMARY KEY,
    last_run INTEGER NOT NULL
);

-- Conditional-GET validators of the RSS poller, one row per feed URL
CREATE TABLE IF NOT EXISTS feed_state (
    url           TEXT PRIMARY KEY,
    etag          TEXT NOT NULL DEFAULT '',
    last_modified TEXT NOT NULL DEFAULT '',
    body_hash     TEXT NOT NULL DEFAULT ''
);
`

// ApplySchema creates all tables, indexes and triggers on the database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
