package provider

import (
	"strings"
	"testing"

	"github.com/kalambet/thoughtd/internal/thought"
)

func TestBuildPrompt(t *testing.T) {
	req := Request{
		Text:     "call mom about the trip",
		Tags:     []string{"family", "travel"},
		Guidance: "Prefer short tags.",
		Context: thought.Context{
			Goals:  []thought.ContextItem{{ID: "fitness-2024", Title: "Run a marathon"}},
			People: []thought.ContextItem{{ID: "p1", Title: "Mom", Detail: "lives in Lisbon"}},
		},
	}

	system, user := BuildPrompt(req)

	for _, want := range []string{
		`{"actions":[...]}`,
		"[Guidance]\nPrefer short tags.",
		"[Goals]\n- fitness-2024: Run a marathon",
		"[People]\n- p1: Mom (lives in Lisbon)",
	} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	for _, absent := range []string{"[Projects]", "[Open Tasks]", "[Recent Moods]"} {
		if strings.Contains(system, absent) {
			t.Errorf("system prompt should omit empty section %q", absent)
		}
	}

	if !strings.HasPrefix(user, "call mom about the trip") {
		t.Errorf("user prompt = %q", user)
	}
	if !strings.Contains(user, "Existing tags: family, travel") {
		t.Errorf("user prompt missing tags: %q", user)
	}
}

func TestBuildPrompt_NoTags(t *testing.T) {
	_, user := BuildPrompt(Request{Text: "hello"})
	if user != "hello" {
		t.Errorf("user prompt = %q, want %q", user, "hello")
	}
}

func TestParseActions(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"envelope", `{"actions":[{"type":"addTag","confidence":0.7,"data":{"tag":"x"}}]}`, 1, false},
		{"bare array", `[{"type":"addTag","confidence":0.7,"data":{"tag":"x"}},{"type":"linkToGoal","confidence":0.9,"data":{"goalId":"g"}}]`, 2, false},
		{"fenced", "```json\n{\"actions\":[{\"type\":\"addTag\",\"confidence\":0.7}]}\n```", 1, false},
		{"empty actions", `{"actions":[]}`, 0, false},
		{"empty", "   ", 0, true},
		{"prose", "I think you should tag this", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseActions(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseActions: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}
