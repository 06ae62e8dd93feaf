package contexttools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stratahq/strata/internal/hierarchy"
	"github.com/stratahq/strata/internal/service"
)

// InsightTool handles the context_add_insight MCP tool.
type InsightTool struct {
	service     *service.Service
	defaultUser string
}

// NewInsightTool creates an InsightTool.
func NewInsightTool(svc *service.Service, defaultUser string) *InsightTool {
	return &InsightTool{service: svc, defaultUser: defaultUser}
}

// Definition returns the MCP tool definition for context_add_insight.
func (t *InsightTool) Definition() mcp.Tool {
	return mcp.NewTool("context_add_insight",
		mcp.WithDescription(
			"Append an insight to a context: a discovery, risk, or learning worth keeping. "+
				"Insights are immutable once added and do not flow through inheritance.",
		),
		mcp.WithString("level",
			mcp.Required(),
			mcp.Description("Hierarchy level: global, project, branch, or task"),
		),
		mcp.WithString("context_id",
			mcp.Required(),
			mcp.Description("Context identifier"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The insight text"),
		),
		mcp.WithString("category",
			mcp.Description("Category: technical, business, performance, risk, or discovery"),
		),
		mcp.WithString("importance",
			mcp.Description("Importance: low, medium, high, or critical"),
		),
		mcp.WithString("agent",
			mcp.Description("Name of the agent recording the insight"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owner of the context. Defaults to the server's default user"),
		),
	)
}

// Handle processes the context_add_insight tool call.
func (t *InsightTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("context_id", "")
	if id == "" {
		return mcp.NewToolResultError("'context_id' is required"), nil
	}
	content := req.GetString("content", "")
	if content == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}

	in, err := t.service.AddInsight(ctx, scopeArg(req, t.defaultUser), level, id, content,
		hierarchy.InsightCategory(req.GetString("category", "")),
		hierarchy.InsightImportance(req.GetString("importance", "")),
		req.GetString("agent", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add insight: %v", err)), nil
	}
	return jsonResult(in), nil
}

// ─── ProgressTool ────────────────────────────────────────────────────────────

// ProgressTool handles the context_add_progress MCP tool.
type ProgressTool struct {
	service     *service.Service
	defaultUser string
}

// NewProgressTool creates a ProgressTool.
func NewProgressTool(svc *service.Service, defaultUser string) *ProgressTool {
	return &ProgressTool{service: svc, defaultUser: defaultUser}
}

// Definition returns the MCP tool definition for context_add_progress.
func (t *ProgressTool) Definition() mcp.Tool {
	return mcp.NewTool("context_add_progress",
		mcp.WithDescription(
			"Append a progress note to a context, recording where work stands. "+
				"Progress entries are immutable once added.",
		),
		mcp.WithString("level",
			mcp.Required(),
			mcp.Description("Hierarchy level: global, project, branch, or task"),
		),
		mcp.WithString("context_id",
			mcp.Required(),
			mcp.Description("Context identifier"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The progress note"),
		),
		mcp.WithString("agent",
			mcp.Description("Name of the agent recording progress"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owner of the context. Defaults to the server's default user"),
		),
	)
}

// Handle processes the context_add_progress tool call.
func (t *ProgressTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("context_id", "")
	if id == "" {
		return mcp.NewToolResultError("'context_id' is required"), nil
	}
	content := req.GetString("content", "")
	if content == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}

	entry, err := t.service.AddProgress(ctx, scopeArg(req, t.defaultUser), level, id, content,
		req.GetString("agent", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to add progress: %v", err)), nil
	}
	return jsonResult(entry), nil
}
