package arbiter

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/thoughtd/internal/thought"
)

// Thresholds split the confidence range into three tiers.
type Thresholds struct {
	AutoApply float64
	Suggest   float64
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoApply: 0.85, Suggest: 0.5}
}

// Validate checks 0 <= Suggest <= AutoApply <= 1.
func (t Thresholds) Validate() error {
	if t.Suggest < 0 || t.AutoApply > 1 || t.Suggest > t.AutoApply {
		return fmt.Errorf("invalid thresholds: suggest=%v auto_apply=%v", t.Suggest, t.AutoApply)
	}
	return nil
}

// Tier is the confidence band an action falls into.
type Tier int

const (
	TierDiscard Tier = iota
	TierSuggest
	TierAuto
)

// Tier classifies a confidence value.
func (t Thresholds) Tier(confidence float64) Tier {
	switch {
	case confidence >= t.AutoApply:
		return TierAuto
	case confidence >= t.Suggest:
		return TierSuggest
	default:
		return TierDiscard
	}
}

// AutoApply holds the changes staged for immediate application.
type AutoApply struct {
	Text        *string
	TextChanges []thought.TextChange
	TagsToAdd   []string
}

// Result is the outcome of one arbitration pass.
type Result struct {
	AutoApply     AutoApply
	Suggestions   []thought.Suggestion
	LinksToCreate []thought.LinkRequest
}

// Empty reports whether the pass produced nothing at all.
func (r Result) Empty() bool {
	return r.AutoApply.Text == nil && len(r.AutoApply.TagsToAdd) == 0 &&
		len(r.Suggestions) == 0 && len(r.LinksToCreate) == 0
}

// Arbiter applies the confidence policy. It holds no state between passes.
type Arbiter struct {
	thresholds Thresholds
	newID      func() string
	now        func() time.Time
	logger     *slog.Logger
}

// New creates an Arbiter with random suggestion ids and the wall clock.
func New(thresholds Thresholds) *Arbiter {
	return &Arbiter{
		thresholds: thresholds,
		newID:      uuid.NewString,
		now:        time.Now,
		logger:     slog.Default(),
	}
}

// WithIDs replaces the suggestion id generator (for testing).
func (a *Arbiter) WithIDs(newID func() string) *Arbiter {
	a.newID = newID
	return a
}

// WithClock replaces the suggestion timestamp source (for testing).
func (a *Arbiter) WithClock(now func() time.Time) *Arbiter {
	a.now = now
	return a
}

// Thresholds returns the configured thresholds.
func (a *Arbiter) Thresholds() Thresholds { return a.thresholds }

// pass accumulates one arbitration run.
type pass struct {
	current  thought.Thought
	result   Result
	tagSeen  map[string]bool
	linkSeen map[string]bool
}

func (p *pass) stageTag(tag string) {
	if p.tagSeen[tag] || p.current.HasTag(tag) {
		return
	}
	p.tagSeen[tag] = true
	p.result.AutoApply.TagsToAdd = append(p.result.AutoApply.TagsToAdd, tag)
}

func (p *pass) stageLink(targetType, targetID string, confidence float64) {
	if targetID == "" {
		return
	}
	key := targetType + "\x00" + targetID
	if p.linkSeen[key] {
		return
	}
	p.linkSeen[key] = true
	p.result.LinksToCreate = append(p.result.LinksToCreate, thought.LinkRequest{
		TargetType:       targetType,
		TargetID:         targetID,
		RelationshipType: thought.RelationshipLinkedTo,
		Confidence:       confidence,
	})
}

// Arbitrate evaluates actions in order against the current thought.
func (a *Arbiter) Arbitrate(actions []RawAction, current thought.Thought) Result {
	p := &pass{
		current:  current,
		tagSeen:  make(map[string]bool),
		linkSeen: make(map[string]bool),
	}

	for _, raw := range actions {
		action := Decode(raw)
		switch a.thresholds.Tier(raw.Confidence) {
		case TierAuto:
			a.autoApply(p, action)
		case TierSuggest:
			a.suggest(p, action)
		case TierDiscard:
			// dropped
		}
	}
	return p.result
}

func (a *Arbiter) autoApply(p *pass, action Action) {
	switch act := action.(type) {
	case EnhanceThought:
		if act.ImprovedText == "" {
			return
		}
		text := act.ImprovedText
		p.result.AutoApply.Text = &text
		changes := make([]thought.TextChange, 0, len(act.Changes))
		for _, c := range act.Changes {
			changes = append(changes, thought.TextChange{Type: c.Type, From: c.From, To: c.To})
		}
		p.result.AutoApply.TextChanges = changes
	case AddTag:
		a.autoApplyTag(p, act)
	case LinkToGoal:
		p.stageLink("goal", act.GoalID, act.Confidence)
	case LinkToProject:
		p.stageLink("project", act.ProjectID, act.Confidence)
	case LinkToPerson:
		// Identity links always need human confirmation.
		a.suggest(p, act)
	case Unknown:
		a.logger.Warn("ignoring unknown high-confidence action", "type", act.Type, "confidence", act.Confidence)
	}
}

// Tag prefixes with special handling.
const (
	personTagPrefix  = "person-"
	goalTagPrefix    = "goal-"
	projectTagPrefix = "project-"
)

func (a *Arbiter) autoApplyTag(p *pass, act AddTag) {
	tag := act.Tag
	if tag == "" {
		return
	}
	lower := strings.ToLower(tag)
	switch {
	case strings.HasPrefix(lower, personTagPrefix):
		a.logger.Debug("dropping person tag", "tag", tag)
	case strings.HasPrefix(lower, goalTagPrefix):
		p.stageLink("goal", tag[len(goalTagPrefix):], act.Confidence)
	case strings.HasPrefix(lower, projectTagPrefix):
		p.stageLink("project", tag[len(projectTagPrefix):], act.Confidence)
	default:
		p.stageTag(tag)
	}
}

func (a *Arbiter) suggest(p *pass, action Action) {
	m := action.meta()
	p.result.Suggestions = append(p.result.Suggestions, thought.Suggestion{
		ID:         a.newID(),
		Type:       m.Type,
		Confidence: m.Confidence,
		Data:       m.Data,
		Reasoning:  m.Reasoning,
		CreatedAt:  a.now().UTC(),
		Status:     thought.SuggestionPending,
	})
}
