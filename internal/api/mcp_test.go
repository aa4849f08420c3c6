package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/thoughtd/internal/arbiter"
	"github.com/kalambet/thoughtd/internal/processor"
	"github.com/kalambet/thoughtd/internal/provider"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func newTestMCPDeps(t *testing.T) (MCPDeps, *testApp) {
	t.Helper()
	app := setupApp(t, 0)
	return MCPDeps{Processor: app.proc, Caller: processor.Caller{UserID: "u1"}}, app
}

func mcpAdd(t *testing.T, deps MCPDeps, args map[string]interface{}) CreateThoughtResponse {
	t.Helper()
	result, err := mcpAddThought(deps)(context.Background(), makeCallToolRequest("add_thought", args))
	if err != nil {
		t.Fatalf("add_thought: %v", err)
	}
	if result.IsError {
		t.Fatalf("add_thought returned error: %s", toolText(t, result))
	}
	var out CreateThoughtResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("decoding add_thought result: %v", err)
	}
	return out
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPAddThought(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	out := mcpAdd(t, deps, map[string]interface{}{
		"text": "call mom about the trip",
		"tags": []interface{}{"family", " family ", ""},
	})
	if out.Thought.ID == "" || out.Thought.UserID != "u1" {
		t.Errorf("thought = %+v", out.Thought)
	}
	if strings.Join(out.Thought.Tags, ",") != "family" {
		t.Errorf("tags = %v, want [family]", out.Thought.Tags)
	}
	if out.Job == nil || out.Job.Status != processor.StatusQueued {
		t.Errorf("job = %+v, want queued", out.Job)
	}
}

func TestMCPAddThought_MissingText(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpAddThought(deps)(context.Background(), makeCallToolRequest("add_thought", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result")
	}
}

func TestMCPProcessThought(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	out := mcpAdd(t, deps, map[string]interface{}{"text": "draft the quarterly plan"})

	result, err := mcpProcessThought(deps)(context.Background(), makeCallToolRequest("process_thought", map[string]interface{}{
		"thought_id": out.Thought.ID,
	}))
	if err != nil {
		t.Fatalf("process_thought: %v", err)
	}
	if result.IsError {
		t.Fatalf("process_thought returned error: %s", toolText(t, result))
	}
	if text := toolText(t, result); !strings.Contains(text, "already queued") || !strings.Contains(text, out.Job.JobID) {
		t.Errorf("text = %q", text)
	}
}

func TestMCPProcessThought_NotFound(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpProcessThought(deps)(context.Background(), makeCallToolRequest("process_thought", map[string]interface{}{
		"thought_id": "missing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("result = %+v", result)
	}
}

// TestMCPRevertAndStatus processes a thought, inspects it and reverts it.
func TestMCPRevertAndStatus(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	app.prov.proposeFn = func(context.Context, provider.Request) (provider.Response, error) {
		return provider.Response{Actions: []arbiter.RawAction{
			{Type: "enhanceThought", Confidence: 0.95, Data: json.RawMessage(`{"improvedText":"Book the dentist appointment"}`)},
		}}, nil
	}
	out := mcpAdd(t, deps, map[string]interface{}{"text": "book dentist appt"})
	app.runQueued(t)

	result, err := mcpThoughtStatus(deps)(context.Background(), makeCallToolRequest("thought_status", map[string]interface{}{
		"thought_id": out.Thought.ID,
	}))
	if err != nil {
		t.Fatalf("thought_status: %v", err)
	}
	var status thoughtStatus
	if err := json.Unmarshal([]byte(toolText(t, result)), &status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Thought.Text != "Book the dentist appointment" || len(status.History) != 1 {
		t.Fatalf("status = %+v", status)
	}

	result, err = mcpRevertThought(deps)(context.Background(), makeCallToolRequest("revert_thought", map[string]interface{}{
		"thought_id": out.Thought.ID,
	}))
	if err != nil {
		t.Fatalf("revert_thought: %v", err)
	}
	if result.IsError || !strings.Contains(toolText(t, result), "book dentist appt") {
		t.Errorf("revert result = %q", toolText(t, result))
	}

	result, _ = mcpRevertThought(deps)(context.Background(), makeCallToolRequest("revert_thought", map[string]interface{}{
		"thought_id": out.Thought.ID,
	}))
	if !result.IsError || !strings.Contains(toolText(t, result), "nothing to revert") {
		t.Errorf("second revert = %q", toolText(t, result))
	}
}
