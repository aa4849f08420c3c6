package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// The methods below back ratelimit.Store when Redis is not configured.
// Each runs as one transaction on the single connection.

func (s *Store) DailyCount(ctx context.Context, userID, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count FROM rate_daily WHERE user_id = ? AND day = ?`, userID, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *Store) IncrementDailyIfBelow(ctx context.Context, userID, day string, max int) (int, bool, error) {
	var (
		count int
		ok    bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, `SELECT count FROM rate_daily WHERE user_id = ? AND day = ?`, userID, day).Scan(&n)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if n >= max {
			count, ok = n, false
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_daily (user_id, day, count) VALUES (?, ?, 1)
			ON CONFLICT(user_id, day) DO UPDATE SET count = count + 1`, userID, day)
		if err != nil {
			return err
		}
		count, ok = n+1, true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return count, ok, nil
}

func (s *Store) DecrementDaily(ctx context.Context, userID, day string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rate_daily SET count = count - 1
		WHERE user_id = ? AND day = ? AND count > 0`, userID, day)
	return err
}

func (s *Store) SwapLastProcessedIfElapsed(ctx context.Context, userID string, now time.Time, minInterval time.Duration) (time.Time, bool, error) {
	var (
		last time.Time
		ok   bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT last_at FROM rate_interval WHERE user_id = ?`, userID).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			if last, err = parseTime("last_at", raw); err != nil {
				return err
			}
		}
		if !last.IsZero() && now.Sub(last) < minInterval {
			ok = false
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rate_interval (user_id, last_at) VALUES (?, ?)
			ON CONFLICT(user_id) DO UPDATE SET last_at = excluded.last_at`, userID, formatTime(now))
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return time.Time{}, false, err
	}
	return last, ok, nil
}
