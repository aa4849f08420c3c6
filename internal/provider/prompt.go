package provider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/thoughtd/internal/arbiter"
	"github.com/kalambet/thoughtd/internal/thought"
)

const systemPrompt = `You are an assistant that organises a user's personal notes ("thoughts"). Analyse the thought and propose actions. Your output must be ONLY a single valid JSON object of the form {"actions":[...]}. Do not include any other text, prose, or markdown.

Each action is {"type": string, "confidence": number between 0 and 1, "data": object, "reasoning": string}.

Action types:
- "enhanceThought": fix spelling, expand abbreviations, keep the author's voice. data: {"improvedText": string, "changes": [{"type": string, "from": string, "to": string}]}
- "addTag": a short lowercase topic tag. data: {"tag": string}
- "linkToGoal": the thought relates to one of the user's goals. data: {"goalId": string}
- "linkToProject": the thought relates to one of the user's projects. data: {"projectId": string}
- "linkToPerson": the thought mentions one of the user's people. data: {"personId": string, "personName": string}

Rules:
- Only reference ids that appear in the context below.
- Never tag people; use linkToPerson instead.
- Use high confidence only when you are certain.
- Return {"actions":[]} when nothing is worth proposing.`

// BuildPrompt renders the system and user messages for req.
func BuildPrompt(req Request) (system, user string) {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if req.Guidance != "" {
		fmt.Fprintf(&sb, "\n\n[Guidance]\n%s", req.Guidance)
	}
	writeSection(&sb, "Goals", req.Context.Goals)
	writeSection(&sb, "Projects", req.Context.Projects)
	writeSection(&sb, "People", req.Context.People)
	writeSection(&sb, "Open Tasks", req.Context.Tasks)
	writeSection(&sb, "Recent Moods", req.Context.Moods)

	var ub strings.Builder
	ub.WriteString(req.Text)
	if len(req.Tags) > 0 {
		fmt.Fprintf(&ub, "\n\nExisting tags: %s", strings.Join(req.Tags, ", "))
	}
	return sb.String(), ub.String()
}

func writeSection(sb *strings.Builder, title string, items []thought.ContextItem) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n\n[%s]", title)
	for _, it := range items {
		if it.Detail != "" {
			fmt.Fprintf(sb, "\n- %s: %s (%s)", it.ID, it.Title, it.Detail)
		} else {
			fmt.Fprintf(sb, "\n- %s: %s", it.ID, it.Title)
		}
	}
}

type actionEnvelope struct {
	Actions []arbiter.RawAction `json:"actions"`
}

// ParseActions decodes a model reply. A bare JSON array is accepted as well
// as the {"actions": [...]} envelope, and markdown code fences are stripped.
func ParseActions(raw string) ([]arbiter.RawAction, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return nil, fmt.Errorf("empty model response")
	}

	if strings.HasPrefix(s, "[") {
		var actions []arbiter.RawAction
		if err := json.Unmarshal([]byte(s), &actions); err != nil {
			return nil, fmt.Errorf("decoding actions: %w", err)
		}
		return actions, nil
	}

	var env actionEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, fmt.Errorf("decoding actions: %w", err)
	}
	return env.Actions, nil
}

// transcript joins the prompt messages for the interaction log.
func transcript(system, user string) string {
	return "[system]\n" + system + "\n\n[user]\n" + user
}
