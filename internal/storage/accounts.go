package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/thoughtd/internal/entitlement"
	"github.com/kalambet/thoughtd/internal/thought"
)

// --- Subscriptions ---

// PutSubscription stores the billing snapshot for a user.
func (s *Store) PutSubscription(ctx context.Context, userID string, sub entitlement.Subscription) error {
	snapshot, err := jsonText(sub)
	if err != nil {
		return fmt.Errorf("encoding subscription: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		userID, snapshot, formatTime(time.Now()),
	)
	return err
}

// GetSubscription returns (nil, nil) when the user has no subscription record.
func (s *Store) GetSubscription(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM subscriptions WHERE user_id = ?`, userID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sub entitlement.Subscription
	if err := json.Unmarshal([]byte(snapshot), &sub); err != nil {
		return nil, fmt.Errorf("decoding subscription of %s: %w", userID, err)
	}
	return &sub, nil
}

// --- Guest sessions ---

func (s *Store) CreateGuestSession(ctx context.Context, g entitlement.GuestSession) error {
	var expires *time.Time
	if !g.ExpiresAt.IsZero() {
		expires = &g.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guest_sessions (id, ai_allowed, marked_for_cleanup, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.AIAllowed, g.MarkedForCleanup, formatTime(g.CreatedAt), nullTime(expires),
	)
	return err
}

// GetGuestSession returns (nil, nil) when no record exists.
func (s *Store) GetGuestSession(ctx context.Context, id string) (*entitlement.GuestSession, error) {
	var (
		g         entitlement.GuestSession
		createdAt string
		expiresAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, ai_allowed, marked_for_cleanup, created_at, expires_at
		FROM guest_sessions WHERE id = ?`, id,
	).Scan(&g.ID, &g.AIAllowed, &g.MarkedForCleanup, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if g.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	exp, err := parseNullTime("expires_at", expiresAt)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		g.ExpiresAt = *exp
	}
	return &g, nil
}

func (s *Store) MarkGuestForCleanup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE guest_sessions SET marked_for_cleanup = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Tool enrollments ---

// SetEnrolledTools replaces the set of tools a user is enrolled in.
func (s *Store) SetEnrolledTools(ctx context.Context, userID string, toolIDs []string) error {
	now := formatTime(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tool_enrollments WHERE user_id = ?`, userID); err != nil {
			return err
		}
		for _, id := range toolIDs {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tool_enrollments (user_id, tool_id, created_at)
				VALUES (?, ?, ?)`, userID, id, now); err != nil {
				return fmt.Errorf("enrolling %s: %w", id, err)
			}
		}
		return nil
	})
}

// EnrolledTools returns the tool ids a user is enrolled in, sorted.
func (s *Store) EnrolledTools(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool_id FROM tool_enrollments WHERE user_id = ? ORDER BY tool_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Context items ---

func (s *Store) AddContextItem(ctx context.Context, item thought.ContextItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_items (id, user_id, kind, title, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, string(item.Kind), item.Title, item.Detail, formatTime(item.CreatedAt),
	)
	return err
}

// ListContextItems returns a user's most recent items of one kind.
func (s *Store) ListContextItems(ctx context.Context, userID string, kind thought.ContextKind, limit int) ([]thought.ContextItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, kind, title, detail, created_at
		FROM context_items WHERE user_id = ? AND kind = ?
		ORDER BY created_at DESC LIMIT ?`, userID, string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []thought.ContextItem
	for rows.Next() {
		var (
			item      thought.ContextItem
			k         string
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.UserID, &k, &item.Title, &item.Detail, &createdAt); err != nil {
			return nil, err
		}
		item.Kind = thought.ContextKind(k)
		if item.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// --- Interactions ---

func (s *Store) SaveInteraction(ctx context.Context, i Interaction) error {
	actions := i.ActionsJSON
	if actions == "" {
		actions = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, user_id, thought_id, trigger, prompt, raw_response, actions,
			prompt_tokens, completion_tokens, total_tokens, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.UserID, i.ThoughtID, string(i.Trigger), i.Prompt, i.RawResponse, actions,
		i.Usage.PromptTokens, i.Usage.CompletionTokens, i.Usage.TotalTokens, i.Error, formatTime(i.CreatedAt),
	)
	return err
}

func (s *Store) GetRecentInteractions(ctx context.Context, userID string, limit int) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thought_id, trigger, prompt, raw_response, actions,
			prompt_tokens, completion_tokens, total_tokens, error, created_at
		FROM interactions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Interaction
	for rows.Next() {
		var i Interaction
		var trigger, createdAt string
		if err := rows.Scan(&i.ID, &i.UserID, &i.ThoughtID, &trigger, &i.Prompt, &i.RawResponse, &i.ActionsJSON,
			&i.Usage.PromptTokens, &i.Usage.CompletionTokens, &i.Usage.TotalTokens, &i.Error, &createdAt); err != nil {
			return nil, err
		}
		i.Trigger = thought.Trigger(trigger)
		if i.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, i)
	}
	return results, rows.Err()
}

// --- Usage ---

// IncrementUsage counts one successful processing run for userID on day.
func (s *Store) IncrementUsage(ctx context.Context, userID, day string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_counters (user_id, day, count) VALUES (?, ?, 1)
		ON CONFLICT(user_id, day) DO UPDATE SET count = count + 1`, userID, day)
	return err
}

func (s *Store) GetUsage(ctx context.Context, userID, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count FROM usage_counters WHERE user_id = ? AND day = ?`, userID, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
