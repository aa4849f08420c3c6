package entitlement

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"
)

// GuestSession is the record backing an anonymous identity.
type GuestSession struct {
	ID               string    `json:"id"`
	AIAllowed        bool      `json:"ai_allowed"`
	MarkedForCleanup bool      `json:"marked_for_cleanup"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// GuestStore reads guest sessions and flags them for cleanup.
// GetGuestSession returns (nil, nil) when no record exists.
type GuestStore interface {
	GetGuestSession(ctx context.Context, id string) (*GuestSession, error)
	MarkGuestForCleanup(ctx context.Context, id string) error
}

// GuestGate admits anonymous identities to AI processing.
type GuestGate struct {
	store       GuestStore
	overrideKey string
	clock       Clock
	logger      *slog.Logger
}

// NewGuestGate creates a gate. An empty overrideKey disables key overrides.
func NewGuestGate(store GuestStore, overrideKey string) *GuestGate {
	return NewGuestGateWithClock(store, overrideKey, realClock{})
}

// NewGuestGateWithClock creates a gate with a custom clock (for testing).
func NewGuestGateWithClock(store GuestStore, overrideKey string, clock Clock) *GuestGate {
	return &GuestGate{
		store:       store,
		overrideKey: overrideKey,
		clock:       clock,
		logger:      slog.Default(),
	}
}

// Check allows the guest only while its session exists, is not marked for
// cleanup, allows AI (or presents the override key) and has not expired.
// Every denial of an existing session marks it for cleanup.
func (g *GuestGate) Check(ctx context.Context, sessionID, presentedKey string) (Decision, error) {
	sess, err := g.store.GetGuestSession(ctx, sessionID)
	if err != nil {
		return Decision{}, fmt.Errorf("loading guest session %s: %w", sessionID, err)
	}
	if sess == nil {
		return deny(CodeNoRecord), nil
	}

	d := g.evaluate(sess, presentedKey)
	if !d.Allowed && !sess.MarkedForCleanup {
		if err := g.store.MarkGuestForCleanup(ctx, sess.ID); err != nil {
			g.logger.Warn("failed to mark guest session for cleanup", "session_id", sess.ID, "error", err)
		}
	}
	return d, nil
}

func (g *GuestGate) evaluate(sess *GuestSession, presentedKey string) Decision {
	if sess.MarkedForCleanup {
		return deny(CodeInactive)
	}
	if !sess.AIAllowed && !g.keyMatches(presentedKey) {
		return deny(CodeDisabled)
	}
	if !sess.ExpiresAt.IsZero() && !g.clock.Now().Before(sess.ExpiresAt) {
		return deny(CodeInactive)
	}
	return allow()
}

func (g *GuestGate) keyMatches(presented string) bool {
	if g.overrideKey == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(g.overrideKey)) == 1
}
