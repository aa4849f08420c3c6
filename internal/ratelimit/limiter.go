// Package ratelimit enforces the per-user daily processing cap and the
// minimum interval between processing requests.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/thoughtd/internal/apperr"
)

// Store holds the per-user counters. Every method must be a single
// transactional read-modify-write against one user's record.
type Store interface {
	// DailyCount returns the counter for userID on day without changing it.
	DailyCount(ctx context.Context, userID, day string) (int, error)
	// IncrementDailyIfBelow increments the counter only while it is below max.
	// It returns the counter after the call and whether it was incremented.
	IncrementDailyIfBelow(ctx context.Context, userID, day string, max int) (int, bool, error)
	// DecrementDaily lowers the counter by one, never below zero.
	DecrementDaily(ctx context.Context, userID, day string) error
	// SwapLastProcessedIfElapsed stores now as the last processing time when
	// at least minInterval has passed since the stored value. It returns the
	// previous value and whether the swap happened.
	SwapLastProcessedIfElapsed(ctx context.Context, userID string, now time.Time, minInterval time.Duration) (time.Time, bool, error)
}

// Kind names which limit was hit.
type Kind string

const (
	KindDaily    Kind = "daily"
	KindInterval Kind = "interval"
)

// LimitError reports a rate-limit denial. Callers must not retry automatically.
type LimitError struct {
	Kind       Kind
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	switch e.Kind {
	case KindDaily:
		return fmt.Sprintf("daily processing limit of %d reached, try again in %s", e.Limit, ceilSeconds(e.RetryAfter))
	default:
		return fmt.Sprintf("processing requested too soon, try again in %s", ceilSeconds(e.RetryAfter))
	}
}

// AppCode classifies rate-limit denials as ResourceExhausted.
func (e *LimitError) AppCode() apperr.Code { return apperr.ResourceExhausted }

// ceilSeconds rounds d up to whole seconds, at least one.
func ceilSeconds(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	return (d + time.Second - 1) / time.Second * time.Second
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Limiter applies both limits over a Store.
type Limiter struct {
	store       Store
	dailyLimit  int
	minInterval time.Duration
	clock       Clock
}

// New creates a Limiter. A dailyLimit <= 0 disables the daily cap and a
// minInterval <= 0 disables the interval check.
func New(store Store, dailyLimit int, minInterval time.Duration) *Limiter {
	return NewWithClock(store, dailyLimit, minInterval, realClock{})
}

// NewWithClock creates a Limiter with a custom clock (for testing).
func NewWithClock(store Store, dailyLimit int, minInterval time.Duration, clock Clock) *Limiter {
	return &Limiter{
		store:       store,
		dailyLimit:  dailyLimit,
		minInterval: minInterval,
		clock:       clock,
	}
}

// Day returns the UTC calendar day used as the daily counter key.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func untilMidnight(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return next.Sub(now)
}

// PeekDaily fails when the daily cap is already reached. It never mutates the counter.
func (l *Limiter) PeekDaily(ctx context.Context, userID string) error {
	if l.dailyLimit <= 0 {
		return nil
	}
	now := l.clock.Now()
	n, err := l.store.DailyCount(ctx, userID, Day(now))
	if err != nil {
		return fmt.Errorf("reading daily count: %w", err)
	}
	if n >= l.dailyLimit {
		return &LimitError{Kind: KindDaily, Limit: l.dailyLimit, RetryAfter: untilMidnight(now)}
	}
	return nil
}

// ReserveDaily claims one unit of today's quota. A denied call leaves the
// counter untouched. The returned day must be passed to ReleaseDaily if the
// work the reservation was taken for does not succeed.
func (l *Limiter) ReserveDaily(ctx context.Context, userID string) (string, error) {
	now := l.clock.Now()
	day := Day(now)
	if l.dailyLimit <= 0 {
		return day, nil
	}
	_, ok, err := l.store.IncrementDailyIfBelow(ctx, userID, day, l.dailyLimit)
	if err != nil {
		return "", fmt.Errorf("reserving daily quota: %w", err)
	}
	if !ok {
		return "", &LimitError{Kind: KindDaily, Limit: l.dailyLimit, RetryAfter: untilMidnight(now)}
	}
	return day, nil
}

// ReleaseDaily returns a unit taken by ReserveDaily.
func (l *Limiter) ReleaseDaily(ctx context.Context, userID, day string) error {
	if l.dailyLimit <= 0 || day == "" {
		return nil
	}
	if err := l.store.DecrementDaily(ctx, userID, day); err != nil {
		return fmt.Errorf("releasing daily quota: %w", err)
	}
	return nil
}

// CheckInterval enforces the minimum gap between requests. A passing check
// records now as the last request time in the same transaction.
func (l *Limiter) CheckInterval(ctx context.Context, userID string) error {
	if l.minInterval <= 0 {
		return nil
	}
	now := l.clock.Now()
	last, ok, err := l.store.SwapLastProcessedIfElapsed(ctx, userID, now, l.minInterval)
	if err != nil {
		return fmt.Errorf("checking request interval: %w", err)
	}
	if !ok {
		return &LimitError{Kind: KindInterval, RetryAfter: last.Add(l.minInterval).Sub(now)}
	}
	return nil
}
