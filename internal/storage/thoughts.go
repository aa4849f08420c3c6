package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/thoughtd/internal/thought"
)

const thoughtColumns = `id, user_id, text, tags, ai_status, ai_error, original_text, original_tags,
	applied_changes, suggestions, reprocess_count, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThought(row rowScanner) (thought.Thought, error) {
	var (
		t                                  thought.Thought
		tags, status, createdAt, updatedAt string
		originalText, originalTags         sql.NullString
		applied, suggestions               sql.NullString
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Text, &tags, &status, &t.AIError, &originalText, &originalTags,
		&applied, &suggestions, &t.ReprocessCount, &t.Version, &createdAt, &updatedAt)
	if err != nil {
		return thought.Thought{}, err
	}
	t.Status = thought.Status(status)

	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return thought.Thought{}, fmt.Errorf("decoding tags of %s: %w", t.ID, err)
	}
	if originalText.Valid {
		text := originalText.String
		t.OriginalText = &text
	}
	if originalTags.Valid {
		if err := json.Unmarshal([]byte(originalTags.String), &t.OriginalTags); err != nil {
			return thought.Thought{}, fmt.Errorf("decoding original tags of %s: %w", t.ID, err)
		}
	}
	if applied.Valid {
		var ac thought.AppliedChanges
		if err := json.Unmarshal([]byte(applied.String), &ac); err != nil {
			return thought.Thought{}, fmt.Errorf("decoding applied changes of %s: %w", t.ID, err)
		}
		t.AppliedChanges = &ac
	}
	if suggestions.Valid {
		if err := json.Unmarshal([]byte(suggestions.String), &t.Suggestions); err != nil {
			return thought.Thought{}, fmt.Errorf("decoding suggestions of %s: %w", t.ID, err)
		}
	}
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return thought.Thought{}, err
	}
	if t.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return thought.Thought{}, err
	}
	return t, nil
}

// thoughtValues encodes the mutable columns of t in thoughtColumns order,
// starting at tags.
func thoughtValues(t thought.Thought) ([]any, error) {
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := jsonText(tags)
	if err != nil {
		return nil, err
	}
	var originalText sql.NullString
	if t.OriginalText != nil {
		originalText = sql.NullString{String: *t.OriginalText, Valid: true}
	}
	originalTags, err := nullJSON(t.OriginalTags, t.OriginalText == nil && t.OriginalTags == nil)
	if err != nil {
		return nil, err
	}
	applied, err := nullJSON(t.AppliedChanges, t.AppliedChanges == nil)
	if err != nil {
		return nil, err
	}
	suggestions, err := nullJSON(t.Suggestions, t.Suggestions == nil)
	if err != nil {
		return nil, err
	}
	status := t.Status
	if status == "" {
		status = thought.StatusNone
	}
	return []any{tagsJSON, string(status), t.AIError, originalText, originalTags, applied, suggestions, t.ReprocessCount}, nil
}

// CreateThought inserts a new thought at version 1.
func (s *Store) CreateThought(ctx context.Context, t thought.Thought) (thought.Thought, error) {
	t.Version = 1
	if t.Status == "" {
		t.Status = thought.StatusNone
	}
	vals, err := thoughtValues(t)
	if err != nil {
		return thought.Thought{}, fmt.Errorf("encoding thought: %w", err)
	}
	args := append([]any{t.ID, t.UserID, t.Text}, vals...)
	args = append(args, t.Version, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))

	_, err = s.db.ExecContext(ctx, `INSERT INTO thoughts (`+thoughtColumns+`)
		VALUES (`+placeholders(14)+`)`, args...)
	if err != nil {
		return thought.Thought{}, fmt.Errorf("inserting thought: %w", err)
	}
	return t, nil
}

// GetThought returns the thought with id.
func (s *Store) GetThought(ctx context.Context, id string) (thought.Thought, error) {
	t, err := scanThought(s.db.QueryRowContext(ctx, `SELECT `+thoughtColumns+` FROM thoughts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return thought.Thought{}, ErrNotFound
	}
	return t, err
}

func getThoughtTx(ctx context.Context, tx *sql.Tx, id string) (thought.Thought, error) {
	t, err := scanThought(tx.QueryRowContext(ctx, `SELECT `+thoughtColumns+` FROM thoughts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return thought.Thought{}, ErrNotFound
	}
	return t, err
}

// ListThoughts returns a user's thoughts, newest first.
func (s *Store) ListThoughts(ctx context.Context, userID string, limit int) ([]thought.Thought, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+thoughtColumns+` FROM thoughts
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []thought.Thought
	for rows.Next() {
		t, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// patchThoughtTx reads the row, applies p and writes the whole value back
// with the version bumped. expectVersion < 0 skips the version check.
func patchThoughtTx(ctx context.Context, tx *sql.Tx, id string, expectVersion int, p thought.Patch) (thought.Thought, error) {
	cur, err := getThoughtTx(ctx, tx, id)
	if err != nil {
		return thought.Thought{}, err
	}
	if expectVersion >= 0 && cur.Version != expectVersion {
		return thought.Thought{}, fmt.Errorf("thought %s at version %d, expected %d: %w", id, cur.Version, expectVersion, ErrConflict)
	}

	next := p.Apply(cur)
	next.Version = cur.Version + 1
	vals, err := thoughtValues(next)
	if err != nil {
		return thought.Thought{}, fmt.Errorf("encoding thought: %w", err)
	}
	args := append([]any{next.Text}, vals...)
	args = append(args, next.Version, formatTime(next.UpdatedAt), id, cur.Version)

	res, err := tx.ExecContext(ctx, `UPDATE thoughts SET text = ?, tags = ?, ai_status = ?, ai_error = ?,
		original_text = ?, original_tags = ?, applied_changes = ?, suggestions = ?, reprocess_count = ?,
		version = ?, updated_at = ?
		WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return thought.Thought{}, fmt.Errorf("updating thought: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return thought.Thought{}, err
	} else if n != 1 {
		return thought.Thought{}, ErrConflict
	}
	return next, nil
}

// ApplyThoughtPatch applies p to the thought and, in the same transaction,
// appends entry (when non-nil) to its history and records links.
func (s *Store) ApplyThoughtPatch(ctx context.Context, id string, expectVersion int, p thought.Patch, entry *thought.HistoryEntry, links []thought.LinkRequest) (thought.Thought, error) {
	var out thought.Thought
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		next, err := patchThoughtTx(ctx, tx, id, expectVersion, p)
		if err != nil {
			return err
		}
		if entry != nil {
			e := *entry
			e.ThoughtID = id
			if err := appendHistoryTx(ctx, tx, e); err != nil {
				return err
			}
		}
		if err := insertLinksTx(ctx, tx, id, links, next.UpdatedAt); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func appendHistoryTx(ctx context.Context, tx *sql.Tx, e thought.HistoryEntry) error {
	reverted, err := nullJSON(e.RevertedChanges, e.RevertedChanges == nil)
	if err != nil {
		return fmt.Errorf("encoding reverted changes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO processing_history
		(thought_id, processed_at, trigger, status, tokens_used, changes_applied, suggestions_count, reverted_changes, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ThoughtID, formatTime(e.ProcessedAt), string(e.Trigger), string(e.Status),
		nullInt(e.TokensUsed), nullInt(e.ChangesApplied), nullInt(e.SuggestionsCount), reverted, e.Error,
	)
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// ListHistory returns a thought's history in append order.
func (s *Store) ListHistory(ctx context.Context, thoughtID string) ([]thought.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, thought_id, processed_at, trigger, status,
		tokens_used, changes_applied, suggestions_count, reverted_changes, error
		FROM processing_history WHERE thought_id = ? ORDER BY seq ASC`, thoughtID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []thought.HistoryEntry
	for rows.Next() {
		var (
			e                                 thought.HistoryEntry
			processedAt, trigger, status      string
			tokens, changes, suggestionsCount sql.NullInt64
			reverted                          sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ThoughtID, &processedAt, &trigger, &status,
			&tokens, &changes, &suggestionsCount, &reverted, &e.Error); err != nil {
			return nil, err
		}
		if e.ProcessedAt, err = parseTime("processed_at", processedAt); err != nil {
			return nil, err
		}
		e.Trigger = thought.Trigger(trigger)
		e.Status = thought.HistoryStatus(status)
		e.TokensUsed = intPtr(tokens)
		e.ChangesApplied = intPtr(changes)
		e.SuggestionsCount = intPtr(suggestionsCount)
		if reverted.Valid {
			var ac thought.AppliedChanges
			if err := json.Unmarshal([]byte(reverted.String), &ac); err != nil {
				return nil, fmt.Errorf("decoding reverted changes: %w", err)
			}
			e.RevertedChanges = &ac
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
