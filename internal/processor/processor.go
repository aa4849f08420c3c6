// Package processor orchestrates AI processing of thoughts: it admits
// requests, queues jobs, runs them through the provider and arbiter, and
// records the outcome.
package processor

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/thoughtd/internal/apperr"
	"github.com/kalambet/thoughtd/internal/arbiter"
	"github.com/kalambet/thoughtd/internal/entitlement"
	"github.com/kalambet/thoughtd/internal/provider"
	"github.com/kalambet/thoughtd/internal/ratelimit"
	"github.com/kalambet/thoughtd/internal/storage"
	"github.com/kalambet/thoughtd/internal/thought"
	"github.com/kalambet/thoughtd/internal/toolspec"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	CreateThought(ctx context.Context, t thought.Thought) (thought.Thought, error)
	GetThought(ctx context.Context, id string) (thought.Thought, error)
	ListThoughts(ctx context.Context, userID string, limit int) ([]thought.Thought, error)
	ApplyThoughtPatch(ctx context.Context, id string, expectVersion int, p thought.Patch, entry *thought.HistoryEntry, links []thought.LinkRequest) (thought.Thought, error)
	ListHistory(ctx context.Context, thoughtID string) ([]thought.HistoryEntry, error)

	CreateJob(ctx context.Context, job storage.Job, pending thought.Patch) (storage.Job, error)
	GetJob(ctx context.Context, id string) (storage.Job, error)
	FindLiveJob(ctx context.Context, thoughtID string) (*storage.Job, error)
	StartJob(ctx context.Context, id string, now time.Time, lease time.Duration) (storage.Job, error)
	FinishJob(ctx context.Context, id string, now time.Time, o storage.Outcome) error

	EnrolledTools(ctx context.Context, userID string) ([]string, error)
}

// ContextSource lists the user's goals, projects, people, tasks and moods.
type ContextSource interface {
	ListContextItems(ctx context.Context, userID string, kind thought.ContextKind, limit int) ([]thought.ContextItem, error)
}

// Recorder receives the best-effort interaction log and usage counts.
type Recorder interface {
	SaveInteraction(ctx context.Context, i storage.Interaction) error
	IncrementUsage(ctx context.Context, userID, day string) error
}

// Entitlements decides whether a registered user may use AI processing.
type Entitlements interface {
	Check(ctx context.Context, userID string) (entitlement.Decision, error)
}

// GuestChecker decides whether a guest session may use AI processing.
type GuestChecker interface {
	Check(ctx context.Context, sessionID, presentedKey string) (entitlement.Decision, error)
}

// Deps are the collaborators of a Processor. Notifier may be nil, in which
// case side effects are dispatched on a private notifier.
type Deps struct {
	Store        Store
	Context      ContextSource
	Recorder     Recorder
	Provider     provider.Provider
	Catalog      *toolspec.Catalog
	Limiter      *ratelimit.Limiter
	Entitlements Entitlements
	Guests       GuestChecker
	Notifier     *Notifier
}

// Options tune processing.
type Options struct {
	Thresholds       arbiter.Thresholds
	MaxReprocess     int
	ProviderTimeout  time.Duration
	GuestOverrideKey string
}

const (
	defaultProviderTimeout = 60 * time.Second
	leaseMargin            = 30 * time.Second
	contextItemLimit       = 20
)

// Processor is the orchestrator behind every processing trigger.
type Processor struct {
	store        Store
	context      ContextSource
	recorder     Recorder
	provider     provider.Provider
	catalog      *toolspec.Catalog
	limiter      *ratelimit.Limiter
	entitlements Entitlements
	guests       GuestChecker
	notifier     *Notifier
	arbiter      *arbiter.Arbiter

	maxReprocess    int
	providerTimeout time.Duration
	guestKey        string

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// New creates a Processor.
func New(deps Deps, opts Options) *Processor {
	if opts.Thresholds == (arbiter.Thresholds{}) {
		opts.Thresholds = arbiter.DefaultThresholds()
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultProviderTimeout
	}
	if deps.Notifier == nil {
		deps.Notifier = NewNotifier(0, nil)
	}
	return &Processor{
		store:           deps.Store,
		context:         deps.Context,
		recorder:        deps.Recorder,
		provider:        deps.Provider,
		catalog:         deps.Catalog,
		limiter:         deps.Limiter,
		entitlements:    deps.Entitlements,
		guests:          deps.Guests,
		notifier:        deps.Notifier,
		arbiter:         arbiter.New(opts.Thresholds),
		maxReprocess:    opts.MaxReprocess,
		providerTimeout: opts.ProviderTimeout,
		guestKey:        opts.GuestOverrideKey,
		now:             time.Now,
		newID:           uuid.NewString,
		logger:          slog.Default(),
	}
}

// WithClock overrides the clock used for timestamps (for testing).
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	p.arbiter.WithClock(now)
	return p
}

// Lease is how long a started job may run before the stale sweep fails it.
func (p *Processor) Lease() time.Duration {
	return p.providerTimeout + leaseMargin
}

// Caller identifies who is making a request: a registered user or a guest
// session. GuestKey is the optional override key a guest presented.
type Caller struct {
	UserID         string
	GuestSessionID string
	GuestKey       string
}

// GuestOwnerPrefix prefixes the owner id of thoughts created by guests.
const GuestOwnerPrefix = "guest:"

const (
	principalUser     = "user:"
	principalGuest    = "guest:"
	principalGuestKey = "guest-key:"
)

// IsGuest reports whether the caller is a guest session.
func (c Caller) IsGuest() bool {
	return c.UserID == "" && c.GuestSessionID != ""
}

// Owner is the id thoughts, jobs and counters are keyed by.
func (c Caller) Owner() string {
	if c.UserID != "" {
		return c.UserID
	}
	if c.GuestSessionID != "" {
		return GuestOwnerPrefix + c.GuestSessionID
	}
	return ""
}

func (p *Processor) authenticate(c Caller) error {
	if c.Owner() == "" {
		return apperr.New(apperr.Unauthenticated, "authentication required")
	}
	return nil
}

// principal records the caller on a job so the worker can re-verify it.
// The presented guest key is never stored; only the fact that it matched.
func (p *Processor) principal(c Caller) string {
	if !c.IsGuest() {
		return principalUser + c.UserID
	}
	if p.keyMatches(c.GuestKey) {
		return principalGuestKey + c.GuestSessionID
	}
	return principalGuest + c.GuestSessionID
}

func (p *Processor) callerFromJob(job storage.Job) Caller {
	switch {
	case strings.HasPrefix(job.RequestedBy, principalGuestKey):
		return Caller{GuestSessionID: strings.TrimPrefix(job.RequestedBy, principalGuestKey), GuestKey: p.guestKey}
	case strings.HasPrefix(job.RequestedBy, principalGuest):
		return Caller{GuestSessionID: strings.TrimPrefix(job.RequestedBy, principalGuest)}
	case strings.HasPrefix(job.RequestedBy, principalUser):
		return Caller{UserID: strings.TrimPrefix(job.RequestedBy, principalUser)}
	default:
		return Caller{UserID: job.UserID}
	}
}

func (p *Processor) keyMatches(presented string) bool {
	if p.guestKey == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(p.guestKey)) == 1
}

// verify returns a PermissionDenied error carrying the display message when
// the caller may not use AI processing.
func (p *Processor) verify(ctx context.Context, c Caller) error {
	var (
		d   entitlement.Decision
		err error
	)
	if c.IsGuest() {
		d, err = p.guests.Check(ctx, c.GuestSessionID, c.GuestKey)
	} else {
		d, err = p.entitlements.Check(ctx, c.UserID)
	}
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "checking entitlement failed")
	}
	return d.Err()
}
