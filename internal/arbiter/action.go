// Package arbiter partitions AI-proposed actions into auto-applied changes,
// reviewable suggestions and discarded proposals.
package arbiter

import (
	"encoding/json"
	"strings"
)

// Action type names as emitted by the provider.
const (
	TypeEnhanceThought = "enhanceThought"
	TypeAddTag         = "addTag"
	TypeLinkToGoal     = "linkToGoal"
	TypeLinkToProject  = "linkToProject"
	TypeLinkToPerson   = "linkToPerson"
)

// RawAction is one proposal as decoded from the provider response.
type RawAction struct {
	Type       string          `json:"type"`
	Confidence float64         `json:"confidence"`
	Data       json.RawMessage `json:"data,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
}

// Meta carries the fields every action shares.
type Meta struct {
	Type       string
	Confidence float64
	Data       json.RawMessage
	Reasoning  string
}

// Action is the closed set of known proposal kinds plus Unknown.
type Action interface {
	meta() Meta
}

type EnhanceThought struct {
	Meta
	ImprovedText string
	Changes      []Change
}

// Change is one edit reported alongside an enhanced text.
type Change struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

type AddTag struct {
	Meta
	Tag string
}

type LinkToGoal struct {
	Meta
	GoalID string
}

type LinkToProject struct {
	Meta
	ProjectID string
}

type LinkToPerson struct {
	Meta
	PersonID   string
	PersonName string
}

// Unknown is any action whose type this build does not recognise.
type Unknown struct {
	Meta
}

func (m Meta) meta() Meta { return m }

type enhanceData struct {
	ImprovedText string   `json:"improvedText"`
	Changes      []Change `json:"changes"`
}

type tagData struct {
	Tag string `json:"tag"`
}

type goalData struct {
	GoalID string `json:"goalId"`
}

type projectData struct {
	ProjectID string `json:"projectId"`
}

type personData struct {
	PersonID   string `json:"personId"`
	PersonName string `json:"personName"`
}

// Decode maps a raw proposal onto its variant. Payloads that fail to decode
// leave the variant's fields empty, which the arbitration rules treat as
// missing data.
func Decode(raw RawAction) Action {
	m := Meta{Type: raw.Type, Confidence: raw.Confidence, Data: raw.Data, Reasoning: raw.Reasoning}

	switch raw.Type {
	case TypeEnhanceThought:
		var d enhanceData
		unmarshalLoose(raw.Data, &d)
		return EnhanceThought{Meta: m, ImprovedText: d.ImprovedText, Changes: d.Changes}
	case TypeAddTag:
		var d tagData
		unmarshalLoose(raw.Data, &d)
		return AddTag{Meta: m, Tag: strings.TrimSpace(d.Tag)}
	case TypeLinkToGoal:
		var d goalData
		unmarshalLoose(raw.Data, &d)
		return LinkToGoal{Meta: m, GoalID: strings.TrimSpace(d.GoalID)}
	case TypeLinkToProject:
		var d projectData
		unmarshalLoose(raw.Data, &d)
		return LinkToProject{Meta: m, ProjectID: strings.TrimSpace(d.ProjectID)}
	case TypeLinkToPerson:
		var d personData
		unmarshalLoose(raw.Data, &d)
		return LinkToPerson{Meta: m, PersonID: strings.TrimSpace(d.PersonID), PersonName: d.PersonName}
	default:
		return Unknown{Meta: m}
	}
}

func unmarshalLoose(data json.RawMessage, v any) {
	if len(data) == 0 {
		return
	}
	_ = json.Unmarshal(data, v)
}
