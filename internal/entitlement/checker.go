package entitlement

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SubscriptionSource loads the stored subscription snapshot for a user.
// It returns (nil, nil) when the user has no subscription record.
type SubscriptionSource interface {
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// DefaultCacheTTL bounds how stale a cached decision may be.
const DefaultCacheTTL = 60 * time.Second

type cachedDecision struct {
	decision Decision
	at       time.Time
}

// Checker evaluates entitlements with a short-lived per-user cache.
type Checker struct {
	source SubscriptionSource
	clock  Clock
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]cachedDecision
}

// NewChecker creates a Checker with the default TTL.
func NewChecker(source SubscriptionSource) *Checker {
	return NewCheckerWithClock(source, realClock{}, DefaultCacheTTL)
}

// NewCheckerWithTTL creates a Checker that caches decisions for ttl.
func NewCheckerWithTTL(source SubscriptionSource, ttl time.Duration) *Checker {
	return NewCheckerWithClock(source, realClock{}, ttl)
}

// NewCheckerWithClock creates a Checker with a custom clock and TTL (for testing).
// A ttl <= 0 disables caching.
func NewCheckerWithClock(source SubscriptionSource, clock Clock, ttl time.Duration) *Checker {
	return &Checker{
		source:  source,
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]cachedDecision),
	}
}

// Check returns the entitlement decision for userID.
func (c *Checker) Check(ctx context.Context, userID string) (Decision, error) {
	now := c.clock.Now()

	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if ok && now.Before(entry.at.Add(c.ttl)) {
		return entry.decision, nil
	}

	sub, err := c.source.GetSubscription(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading subscription for %s: %w", userID, err)
	}
	d := Evaluate(sub, now)

	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[userID] = cachedDecision{decision: d, at: now}
		c.mu.Unlock()
	}
	return d, nil
}

// Invalidate drops the cached decision for userID.
func (c *Checker) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
