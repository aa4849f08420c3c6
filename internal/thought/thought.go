// Package thought holds the persisted shape of a user thought and the
// AI-derived state attached to it.
package thought

import (
	"encoding/json"
	"time"
)

// Status is the AI processing state of a thought.
type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Trigger names what caused a processing run or history entry.
type Trigger string

const (
	TriggerAuto      Trigger = "auto"
	TriggerManual    Trigger = "manual"
	TriggerReprocess Trigger = "reprocess"
	TriggerRevert    Trigger = "revert"
)

// Valid reports whether t may start a processing run.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerAuto, TriggerManual, TriggerReprocess:
		return true
	}
	return false
}

// AppliedBy records whether changes were applied without any user request.
type AppliedBy string

const (
	AppliedByAuto          AppliedBy = "auto"
	AppliedByManualTrigger AppliedBy = "manual-trigger"
)

// ProcessedTag marks a thought that received at least one AI change.
const ProcessedTag = "processed"

type Thought struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Text           string          `json:"text"`
	Tags           []string        `json:"tags"`
	Status         Status          `json:"ai_processing_status"`
	AIError        string          `json:"ai_error,omitempty"`
	OriginalText   *string         `json:"original_text,omitempty"`
	OriginalTags   []string        `json:"original_tags,omitempty"`
	AppliedChanges *AppliedChanges `json:"ai_applied_changes,omitempty"`
	Suggestions    []Suggestion    `json:"ai_suggestions,omitempty"`
	ReprocessCount int             `json:"reprocess_count"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HasTag reports whether tag is already on the thought.
func (t Thought) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// HasBaseline reports whether the pre-AI snapshot has been taken.
func (t Thought) HasBaseline() bool {
	return t.OriginalText != nil
}

// TextChange describes one edit made by text enhancement.
type TextChange struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

type AppliedChanges struct {
	TextEnhanced bool         `json:"text_enhanced"`
	TextChanges  []TextChange `json:"text_changes"`
	TagsAdded    []string     `json:"tags_added"`
	LinksCreated int          `json:"links_created"`
	AppliedAt    time.Time    `json:"applied_at"`
	AppliedBy    AppliedBy    `json:"applied_by"`
}

// SuggestionStatus is changed only by an explicit user decision.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
)

type Suggestion struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Confidence float64          `json:"confidence"`
	Data       json.RawMessage  `json:"data,omitempty"`
	Reasoning  string           `json:"reasoning,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	Status     SuggestionStatus `json:"status"`
}

// HistoryStatus is the outcome recorded in a history entry.
type HistoryStatus string

const (
	HistoryCompleted HistoryStatus = "completed"
	HistoryFailed    HistoryStatus = "failed"
)

// HistoryEntry is one immutable line of a thought's audit trail.
type HistoryEntry struct {
	Seq              int64           `json:"seq,omitempty"`
	ThoughtID        string          `json:"thought_id"`
	ProcessedAt      time.Time       `json:"processed_at"`
	Trigger          Trigger         `json:"trigger"`
	Status           HistoryStatus   `json:"status"`
	TokensUsed       *int            `json:"tokens_used,omitempty"`
	ChangesApplied   *int            `json:"changes_applied,omitempty"`
	SuggestionsCount *int            `json:"suggestions_count,omitempty"`
	RevertedChanges  *AppliedChanges `json:"reverted_changes,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// LinkRequest asks for a relationship between a thought and another entity.
type LinkRequest struct {
	TargetType       string  `json:"target_type"`
	TargetID         string  `json:"target_id"`
	RelationshipType string  `json:"relationship_type"`
	Confidence       float64 `json:"confidence"`
}

// RelationshipLinkedTo is the relationship used for AI-created links.
const RelationshipLinkedTo = "linked-to"

// TokenUsage is the provider-reported token accounting for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
