package store

import (
	"context"
	"fmt"

	"github.com/hazyhaar/ucti/internal/dbopen"
)

// IoC is an indicator of compromise, unique by (type, subtype, value).
type IoC struct {
	ID      int64
	Value   string
	Type    string
	Subtype string
	Comment string
}

// UpsertIoC returns the IoC matching the (type, subtype, value) triple,
// creating it when absent and filling in its ID. An existing IoC keeps
// its first comment.
func (s *Store) UpsertIoC(ctx context.Context, ioc *IoC) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO iocs (value, type, subtype, comment) VALUES (?, ?, ?, ?)
		ON CONFLICT(type, subtype, value) DO NOTHING`,
		ioc.Value, ioc.Type, ioc.Subtype, ioc.Comment)
	if err != nil {
		return fmt.Errorf("upsert ioc: %w", err)
	}

	err = s.DB.QueryRowContext(ctx,
		`SELECT id, comment FROM iocs WHERE type = ? AND subtype = ? AND value = ?`,
		ioc.Type, ioc.Subtype, ioc.Value).Scan(&ioc.ID, &ioc.Comment)
	if err != nil {
		return fmt.Errorf("select ioc: %w", err)
	}
	return nil
}

// ConnectIoCs links a post to the given IoCs; existing links are kept.
func (s *Store) ConnectIoCs(ctx context.Context, postID int64, iocIDs []int64) error {
	for _, iocID := range iocIDs {
		_, err := dbopen.Exec(ctx, s.DB,
			`INSERT OR IGNORE INTO post_iocs (post_id, ioc_id) VALUES (?, ?)`,
			postID, iocID)
		if err != nil {
			return fmt.Errorf("connect ioc %d: %w", iocID, err)
		}
	}
	return nil
}

// IoCsForPost returns the IoCs of a post ordered by type then value.
func (s *Store) IoCsForPost(ctx context.Context, postID int64) ([]*IoC, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT i.id, i.value, i.type, i.subtype, i.comment FROM iocs i
		JOIN post_iocs pi ON pi.ioc_id = i.id
		WHERE pi.post_id = ?
		ORDER BY i.type, i.value`, postID)
	if err != nil {
		return nil, fmt.Errorf("iocs for post: %w", err)
	}
	defer rows.Close()

	var iocs []*IoC
	for rows.Next() {
		var ioc IoC
		if err := rows.Scan(&ioc.ID, &ioc.Value, &ioc.Type, &ioc.Subtype, &ioc.Comment); err != nil {
			return nil, fmt.Errorf("scan ioc: %w", err)
		}
		iocs = append(iocs, &ioc)
	}
	return iocs, rows.Err()
}
