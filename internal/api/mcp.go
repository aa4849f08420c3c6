package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/thoughtd/internal/apperr"
	"github.com/kalambet/thoughtd/internal/processor"
	"github.com/kalambet/thoughtd/internal/thought"
)

// MCPDeps holds dependencies for the MCP server. Every tool acts as Caller.
type MCPDeps struct {
	Processor *processor.Processor
	Caller    processor.Caller
}

// NewMCPServer creates an MCP server with the thought tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"thoughtd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("thoughtd stores your thoughts and organises them with AI: enhancement, tags and links to your goals, projects and people."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_thought",
			mcp.WithDescription("Store a new thought. It is queued for automatic AI processing when allowed."),
			mcp.WithString("text", mcp.Description("The thought text"), mcp.Required()),
			mcp.WithArray("tags", mcp.Description("Optional tags")),
		),
		mcpAddThought(deps),
	)

	s.AddTool(
		mcp.NewTool("process_thought",
			mcp.WithDescription("Queue AI processing for a thought."),
			mcp.WithString("thought_id", mcp.Description("Thought id"), mcp.Required()),
			mcp.WithBoolean("reprocess", mcp.Description("Process again even if the thought was already processed")),
			mcp.WithArray("tool_spec_ids", mcp.Description("Restrict processing to these tools")),
		),
		mcpProcessThought(deps),
	)

	s.AddTool(
		mcp.NewTool("revert_thought",
			mcp.WithDescription("Undo every AI change on a thought and restore the original text and tags."),
			mcp.WithString("thought_id", mcp.Description("Thought id"), mcp.Required()),
		),
		mcpRevertThought(deps),
	)

	s.AddTool(
		mcp.NewTool("thought_status",
			mcp.WithDescription("Show a thought with its AI processing status, suggestions and history."),
			mcp.WithString("thought_id", mcp.Description("Thought id"), mcp.Required()),
		),
		mcpThoughtStatus(deps),
	)

	return s
}

func mcpAddThought(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		tags := req.GetStringSlice("tags", nil)

		t, job, err := deps.Processor.CreateThought(ctx, deps.Caller, text, tags)
		if err != nil {
			return mcpError(apperr.MessageOf(err)), nil
		}
		return mcpJSON(CreateThoughtResponse{Thought: t, Job: job})
	}
}

func mcpProcessThought(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("thought_id")
		if err != nil {
			return mcpError("thought_id is required"), nil
		}
		trigger := thought.TriggerManual
		if req.GetBool("reprocess", false) {
			trigger = thought.TriggerReprocess
		}
		opts := processor.EnqueueOptions{ToolSpecIDs: req.GetStringSlice("tool_spec_ids", nil)}

		res, err := deps.Processor.Enqueue(ctx, deps.Caller, id, trigger, opts)
		if err != nil {
			return mcpError(apperr.MessageOf(err)), nil
		}
		if res.Status == processor.StatusAlreadyQueued {
			return mcpText(fmt.Sprintf("Thought %s is already queued as job %s", id, res.JobID)), nil
		}
		return mcpText(fmt.Sprintf("Queued job %s for thought %s", res.JobID, id)), nil
	}
}

func mcpRevertThought(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("thought_id")
		if err != nil {
			return mcpError("thought_id is required"), nil
		}
		t, err := deps.Processor.Revert(ctx, deps.Caller, id)
		if err != nil {
			return mcpError(apperr.MessageOf(err)), nil
		}
		return mcpText(fmt.Sprintf("Reverted thought %s: %s", t.ID, t.Text)), nil
	}
}

type thoughtStatus struct {
	Thought thought.Thought        `json:"thought"`
	History []thought.HistoryEntry `json:"history"`
}

func mcpThoughtStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("thought_id")
		if err != nil {
			return mcpError("thought_id is required"), nil
		}
		t, err := deps.Processor.Thought(ctx, deps.Caller, id)
		if err != nil {
			return mcpError(apperr.MessageOf(err)), nil
		}
		history, err := deps.Processor.History(ctx, deps.Caller, id)
		if err != nil {
			return mcpError(apperr.MessageOf(err)), nil
		}
		return mcpJSON(thoughtStatus{Thought: t, History: history})
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
