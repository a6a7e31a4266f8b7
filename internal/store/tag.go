package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/ucti/internal/dbopen"
)

// Tag is an uppercase '#'-prefixed label with a display color.
type Tag struct {
	ID    int64
	Name  string
	Color string
}

// TagCount pairs a tag with the number of posts linked to it.
type TagCount struct {
	Tag
	Posts int
}

// UpsertTagByName returns the tag named name, creating it with color when
// absent. An existing tag keeps its color.
func (s *Store) UpsertTagByName(ctx context.Context, name, color string) (*Tag, error) {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO tags (name, color) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING`, name, color)
	if err != nil {
		return nil, fmt.Errorf("upsert tag: %w", err)
	}

	var t Tag
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, name, color FROM tags WHERE name = ?`, name).
		Scan(&t.ID, &t.Name, &t.Color)
	if err != nil {
		return nil, fmt.Errorf("select tag: %w", err)
	}
	return &t, nil
}

// ConnectTags links a post to the given tags; existing links are kept.
func (s *Store) ConnectTags(ctx context.Context, postID int64, tagIDs []int64) error {
	for _, tagID := range tagIDs {
		_, err := dbopen.Exec(ctx, s.DB,
			`INSERT OR IGNORE INTO post_tags (post_id, tag_id) VALUES (?, ?)`,
			postID, tagID)
		if err != nil {
			return fmt.Errorf("connect tag %d: %w", tagID, err)
		}
	}
	return nil
}

// TagsForPost returns the tags of a post ordered by name.
func (s *Store) TagsForPost(ctx context.Context, postID int64) ([]*Tag, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT t.id, t.name, t.color FROM tags t
		JOIN post_tags pt ON pt.tag_id = t.id
		WHERE pt.post_id = ?
		ORDER BY t.name`, postID)
	if err != nil {
		return nil, fmt.Errorf("tags for post: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.Color); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}

// TagsWithCounts lists every tag with its linked-post count, oldest tag
// first. The cleanup job works on this ordering: the older duplicate
// survives a merge.
func (s *Store) TagsWithCounts(ctx context.Context) ([]*TagCount, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT t.id, t.name, t.color, COUNT(pt.post_id)
		FROM tags t
		LEFT JOIN post_tags pt ON pt.tag_id = t.id
		GROUP BY t.id
		ORDER BY t.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("tags with counts: %w", err)
	}
	defer rows.Close()

	var out []*TagCount
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.ID, &tc.Name, &tc.Color, &tc.Posts); err != nil {
			return nil, fmt.Errorf("scan tag count: %w", err)
		}
		out = append(out, &tc)
	}
	return out, rows.Err()
}

// DeleteTag removes a tag; post links cascade away.
func (s *Store) DeleteTag(ctx context.Context, id int64) error {
	_, err := dbopen.Exec(ctx, s.DB, `DELETE FROM tags WHERE id = ?`, id)
	return err
}

// ReparentTag moves every post link from one tag to another and deletes
// the source tag. Links the target already has are left alone.
func (s *Store) ReparentTag(ctx context.Context, fromID, toID int64) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO post_tags (post_id, tag_id)
			SELECT post_id, ? FROM post_tags WHERE tag_id = ?`, toID, fromID); err != nil {
			return fmt.Errorf("reparent links: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tags WHERE id = ?`, fromID); err != nil {
			return fmt.Errorf("delete reparented tag: %w", err)
		}
		return nil
	})
}
