package update

import (
	"strings"
	"time"

	"github.com/kalambet/thoughtd/internal/apperr"
	"github.com/kalambet/thoughtd/internal/arbiter"
	"github.com/kalambet/thoughtd/internal/thought"
)

func findPending(t thought.Thought, suggestionID string) (int, error) {
	for i, s := range t.Suggestions {
		if s.ID != suggestionID {
			continue
		}
		if s.Status != thought.SuggestionPending {
			return -1, apperr.New(apperr.FailedPrecondition, "suggestion %s is already %s", suggestionID, s.Status)
		}
		return i, nil
	}
	return -1, apperr.New(apperr.NotFound, "suggestion %s not found", suggestionID)
}

func withStatus(t thought.Thought, idx int, status thought.SuggestionStatus) []thought.Suggestion {
	out := append([]thought.Suggestion(nil), t.Suggestions...)
	out[idx].Status = status
	return out
}

// Reject marks a pending suggestion rejected without touching anything else.
func Reject(t thought.Thought, suggestionID string, now time.Time) (thought.Patch, error) {
	idx, err := findPending(t, suggestionID)
	if err != nil {
		return thought.Patch{}, err
	}
	suggestions := withStatus(t, idx, thought.SuggestionRejected)
	return thought.Patch{Suggestions: &suggestions, UpdatedAt: now.UTC()}, nil
}

// Accept applies a pending suggestion as if it had been auto-applied and
// marks it accepted. Links it asks for are returned for the caller to
// persist in the same write.
func Accept(t thought.Thought, suggestionID string, now time.Time) (thought.Patch, []thought.LinkRequest, error) {
	idx, err := findPending(t, suggestionID)
	if err != nil {
		return thought.Patch{}, nil, err
	}
	now = now.UTC()
	s := t.Suggestions[idx]

	var (
		newText *string
		newTag  string
		links   []thought.LinkRequest
	)
	link := func(targetType, id string) {
		links = append(links, thought.LinkRequest{
			TargetType:       targetType,
			TargetID:         id,
			RelationshipType: thought.RelationshipLinkedTo,
			Confidence:       s.Confidence,
		})
	}

	switch act := arbiter.Decode(arbiter.RawAction{Type: s.Type, Confidence: s.Confidence, Data: s.Data}).(type) {
	case arbiter.EnhanceThought:
		if act.ImprovedText == "" {
			return thought.Patch{}, nil, apperr.New(apperr.FailedPrecondition, "suggestion has no improved text")
		}
		newText = &act.ImprovedText
	case arbiter.AddTag:
		lower := strings.ToLower(act.Tag)
		switch {
		case act.Tag == "":
			return thought.Patch{}, nil, apperr.New(apperr.FailedPrecondition, "suggestion has no tag")
		case strings.HasPrefix(lower, "person-"):
			return thought.Patch{}, nil, apperr.New(apperr.FailedPrecondition, "person tags are not allowed, link the person instead")
		case strings.HasPrefix(lower, "goal-"):
			if len(act.Tag) == len("goal-") {
				return thought.Patch{}, nil, apperr.New(apperr.FailedPrecondition, "suggestion has no goal id")
			}
			link("goal", act.Tag[len("goal-"):])
		case strings.HasPrefix(lower, "project-"):
			if len(act.Tag) == len("project-") {
				return thought.Patch{}, nil, apperr.New(apperr.FailedPrecondition, "suggestion has no project id")
			}
			link("project", act.Tag[len("project-"):])
		default:
			newTag = act.Tag
		}
	case arbiter.LinkToGoal:
		if act.GoalID == "" {
			return thought.Patch{}, nil, apperr.New(apperr.FailedPrecondition, "suggestion has no goal id")
		}
		link("goal", act.GoalID)
	case arbiter.LinkToProject:
		if act.ProjectID == "" {
			return thought.Patch{}, nil, apperr.New(apperr.FailedPrecondition, "suggestion has no project id")
		}
		link("project", act.ProjectID)
	case arbiter.LinkToPerson:
		if act.PersonID == "" {
			return thought.Patch{}, nil, apperr.New(apperr.FailedPrecondition, "suggestion has no person id")
		}
		link("person", act.PersonID)
	default:
		return thought.Patch{}, nil, apperr.New(apperr.FailedPrecondition, "cannot apply suggestion of type %q", s.Type)
	}

	var p thought.Patch
	if !t.HasBaseline() {
		p.Baseline = &thought.Baseline{Text: t.Text, Tags: cloneTags(t.Tags)}
	}

	applied := thought.AppliedChanges{AppliedAt: now, AppliedBy: thought.AppliedByManualTrigger}
	if t.AppliedChanges != nil {
		applied = *t.AppliedChanges
		applied.TextChanges = append([]thought.TextChange(nil), applied.TextChanges...)
		applied.TagsAdded = append([]string(nil), applied.TagsAdded...)
		applied.AppliedAt = now
	}

	changed := false
	if newText != nil && *newText != t.Text {
		p.Text = newText
		applied.TextEnhanced = true
		changed = true
	}
	tags := cloneTags(t.Tags)
	if newTag != "" && !contains(tags, newTag) {
		tags = append(tags, newTag)
		applied.TagsAdded = append(applied.TagsAdded, newTag)
		changed = true
	}
	if changed && !contains(tags, thought.ProcessedTag) {
		tags = append(tags, thought.ProcessedTag)
	}
	applied.LinksCreated += len(links)
	applied.TextChanges = orEmpty(applied.TextChanges)
	applied.TagsAdded = orEmpty(applied.TagsAdded)

	suggestions := withStatus(t, idx, thought.SuggestionAccepted)
	p.Tags = tags
	p.Applied = &applied
	p.Suggestions = &suggestions
	p.UpdatedAt = now
	return p, links, nil
}
