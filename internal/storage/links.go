package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/thoughtd/internal/thought"
)

func insertLinksTx(ctx context.Context, tx *sql.Tx, thoughtID string, links []thought.LinkRequest, now time.Time) error {
	for _, l := range links {
		rel := l.RelationshipType
		if rel == "" {
			rel = thought.RelationshipLinkedTo
		}
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO thought_links
			(thought_id, target_type, target_id, relationship, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			thoughtID, l.TargetType, l.TargetID, rel, l.Confidence, formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("inserting link %s/%s: %w", l.TargetType, l.TargetID, err)
		}
	}
	return nil
}

// ListLinks returns the links recorded for a thought.
func (s *Store) ListLinks(ctx context.Context, thoughtID string) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thought_id, target_type, target_id, relationship, confidence, created_at
		FROM thought_links WHERE thought_id = ? ORDER BY created_at ASC, target_type ASC, target_id ASC`, thoughtID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var createdAt string
		if err := rows.Scan(&l.ThoughtID, &l.TargetType, &l.TargetID, &l.Relationship, &l.Confidence, &createdAt); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
