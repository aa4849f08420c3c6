package thought

import "time"

// Patch is an explicit diff against a whole Thought value. Nil fields are
// left untouched. The store applies it inside the same transaction that
// reads the current row.
type Patch struct {
	Text          *string
	Tags          []string
	Status        *Status
	AIError       *string
	Baseline      *Baseline
	ClearBaseline bool
	Applied       *AppliedChanges
	ClearApplied  bool
	Suggestions   *[]Suggestion
	BumpReprocess bool
	UpdatedAt     time.Time
}

// Baseline is the pre-AI snapshot used by revert.
type Baseline struct {
	Text string
	Tags []string
}

// Apply returns a copy of t with the patch applied.
func (p Patch) Apply(t Thought) Thought {
	out := t
	if p.Text != nil {
		out.Text = *p.Text
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), p.Tags...)
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.AIError != nil {
		out.AIError = *p.AIError
	}
	if p.ClearBaseline {
		out.OriginalText = nil
		out.OriginalTags = nil
	}
	if p.Baseline != nil {
		text := p.Baseline.Text
		out.OriginalText = &text
		out.OriginalTags = append([]string{}, p.Baseline.Tags...)
	}
	if p.ClearApplied {
		out.AppliedChanges = nil
	}
	if p.Applied != nil {
		applied := *p.Applied
		out.AppliedChanges = &applied
	}
	if p.Suggestions != nil {
		out.Suggestions = append([]Suggestion(nil), (*p.Suggestions)...)
	}
	if p.BumpReprocess {
		out.ReprocessCount++
	}
	if !p.UpdatedAt.IsZero() {
		out.UpdatedAt = p.UpdatedAt
	}
	return out
}

// StatusPatch sets only the processing status and error message.
func StatusPatch(status Status, errMsg string, now time.Time) Patch {
	return Patch{Status: &status, AIError: &errMsg, UpdatedAt: now}
}
