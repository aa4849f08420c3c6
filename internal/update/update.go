// Package update turns an arbitration result into a thought patch and a
// history entry, and computes the inverse patch for revert.
package update

import (
	"time"

	"github.com/kalambet/thoughtd/internal/apperr"
	"github.com/kalambet/thoughtd/internal/arbiter"
	"github.com/kalambet/thoughtd/internal/thought"
)

// Build computes the update for one successful processing run. The
// baseline snapshot is only taken when the thought has none yet.
func Build(t thought.Thought, res arbiter.Result, usage thought.TokenUsage, trigger thought.Trigger, now time.Time) (thought.Patch, thought.HistoryEntry) {
	now = now.UTC()
	var p thought.Patch

	if !t.HasBaseline() {
		p.Baseline = &thought.Baseline{Text: t.Text, Tags: cloneTags(t.Tags)}
	}

	textEnhanced := res.AutoApply.Text != nil && *res.AutoApply.Text != t.Text
	if textEnhanced {
		text := *res.AutoApply.Text
		p.Text = &text
	}

	tags := cloneTags(t.Tags)
	var added []string
	for _, tag := range res.AutoApply.TagsToAdd {
		if contains(tags, tag) {
			continue
		}
		tags = append(tags, tag)
		added = append(added, tag)
	}
	if (textEnhanced || len(added) > 0) && !contains(tags, thought.ProcessedTag) {
		tags = append(tags, thought.ProcessedTag)
	}
	p.Tags = tags

	var textChanges []thought.TextChange
	if textEnhanced {
		textChanges = res.AutoApply.TextChanges
	}

	appliedBy := thought.AppliedByManualTrigger
	if trigger == thought.TriggerAuto {
		appliedBy = thought.AppliedByAuto
	}
	p.Applied = &thought.AppliedChanges{
		TextEnhanced: textEnhanced,
		TextChanges:  orEmpty(textChanges),
		TagsAdded:    orEmpty(added),
		LinksCreated: len(res.LinksToCreate),
		AppliedAt:    now,
		AppliedBy:    appliedBy,
	}

	status := thought.StatusCompleted
	noError := ""
	suggestions := orEmpty(res.Suggestions)
	p.Status = &status
	p.AIError = &noError
	p.Suggestions = &suggestions
	p.BumpReprocess = trigger == thought.TriggerReprocess
	p.UpdatedAt = now

	changes := len(added) + len(res.LinksToCreate)
	if textEnhanced {
		changes++
	}
	tokens := usage.TotalTokens
	suggestionCount := len(res.Suggestions)

	entry := thought.HistoryEntry{
		ThoughtID:        t.ID,
		ProcessedAt:      now,
		Trigger:          trigger,
		Status:           thought.HistoryCompleted,
		TokensUsed:       &tokens,
		ChangesApplied:   &changes,
		SuggestionsCount: &suggestionCount,
	}
	return p, entry
}

// Failure computes the update recorded when a processing run fails.
func Failure(t thought.Thought, trigger thought.Trigger, cause error, now time.Time) (thought.Patch, thought.HistoryEntry) {
	now = now.UTC()
	msg := apperr.MessageOf(cause)
	p := thought.StatusPatch(thought.StatusFailed, msg, now)
	entry := thought.HistoryEntry{
		ThoughtID:   t.ID,
		ProcessedAt: now,
		Trigger:     trigger,
		Status:      thought.HistoryFailed,
		Error:       msg,
	}
	return p, entry
}

// Revert restores the pre-AI text and tags and clears every AI-derived
// field, including the baseline itself.
func Revert(t thought.Thought, now time.Time) (thought.Patch, thought.HistoryEntry, error) {
	if t.AppliedChanges == nil {
		return thought.Patch{}, thought.HistoryEntry{}, apperr.New(apperr.FailedPrecondition, "nothing to revert")
	}
	now = now.UTC()

	text := t.Text
	tags := cloneTags(t.Tags)
	if t.OriginalText != nil {
		text = *t.OriginalText
		tags = cloneTags(t.OriginalTags)
	}

	status := thought.StatusNone
	noError := ""
	noSuggestions := []thought.Suggestion{}
	p := thought.Patch{
		Text:          &text,
		Tags:          orEmpty(tags),
		Status:        &status,
		AIError:       &noError,
		ClearBaseline: true,
		ClearApplied:  true,
		Suggestions:   &noSuggestions,
		UpdatedAt:     now,
	}

	reverted := *t.AppliedChanges
	entry := thought.HistoryEntry{
		ThoughtID:       t.ID,
		ProcessedAt:     now,
		Trigger:         thought.TriggerRevert,
		Status:          thought.HistoryCompleted,
		RevertedChanges: &reverted,
	}
	return p, entry, nil
}

func cloneTags(tags []string) []string {
	return append([]string(nil), tags...)
}

func contains(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
