package contexttools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stratahq/strata/internal/hierarchy"
	"github.com/stratahq/strata/internal/service"
)

// ResolveTool handles the context_resolve MCP tool.
type ResolveTool struct {
	service     *service.Service
	defaultUser string
}

// NewResolveTool creates a ResolveTool.
func NewResolveTool(svc *service.Service, defaultUser string) *ResolveTool {
	return &ResolveTool{service: svc, defaultUser: defaultUser}
}

// Definition returns the MCP tool definition for context_resolve.
func (t *ResolveTool) Definition() mcp.Tool {
	return mcp.NewTool("context_resolve",
		mcp.WithDescription(
			"Resolve a context's full inherited view: its own data merged over everything it inherits "+
				"from global, project and branch ancestors. Closer levels win on conflicts; nested objects "+
				"merge one level deep. The response includes the inheritance chain that contributed.",
		),
		mcp.WithString("level",
			mcp.Required(),
			mcp.Description("Hierarchy level: global, project, branch, or task"),
		),
		mcp.WithString("context_id",
			mcp.Required(),
			mcp.Description("Context identifier"),
		),
		mcp.WithBoolean("force_refresh",
			mcp.Description("Recompute even if a cached resolution exists (default false)"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owner of the context. Defaults to the server's default user"),
		),
	)
}

// Handle processes the context_resolve tool call.
func (t *ResolveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("context_id", "")
	if id == "" {
		return mcp.NewToolResultError("'context_id' is required"), nil
	}

	resolved, err := t.service.Resolve(ctx, scopeArg(req, t.defaultUser), level, id,
		boolArg(req, "force_refresh", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve context: %v", err)), nil
	}
	return jsonResult(resolved), nil
}

// ─── DelegateTool ────────────────────────────────────────────────────────────

// DelegateTool handles the context_delegate MCP tool.
type DelegateTool struct {
	service     *service.Service
	defaultUser string
}

// NewDelegateTool creates a DelegateTool.
func NewDelegateTool(svc *service.Service, defaultUser string) *DelegateTool {
	return &DelegateTool{service: svc, defaultUser: defaultUser}
}

// Definition returns the MCP tool definition for context_delegate.
func (t *DelegateTool) Definition() mcp.Tool {
	return mcp.NewTool("context_delegate",
		mcp.WithDescription(
			"Promote data from a context to one of its ancestors so siblings inherit it too. "+
				"The target must be a strictly higher level (e.g. task → branch, project or global). "+
				"The data is merged into the target immediately and a delegation record is kept.",
		),
		mcp.WithString("level",
			mcp.Required(),
			mcp.Description("Source hierarchy level"),
		),
		mcp.WithString("context_id",
			mcp.Required(),
			mcp.Description("Source context identifier"),
		),
		mcp.WithString("delegate_to",
			mcp.Required(),
			mcp.Description("Target level: must be an ancestor of the source level"),
		),
		mcp.WithObject("data",
			mcp.Required(),
			mcp.Description("Data to promote to the target context"),
		),
		mcp.WithString("reason",
			mcp.Description("Why this data is being promoted"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owner of the contexts. Defaults to the server's default user"),
		),
	)
}

// Handle processes the context_delegate tool call.
func (t *DelegateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("context_id", "")
	if id == "" {
		return mcp.NewToolResultError("'context_id' is required"), nil
	}
	target, err := hierarchy.ParseLevel(req.GetString("delegate_to", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := dataArg(req, "data")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(data) == 0 {
		return mcp.NewToolResultError("'data' is required"), nil
	}

	d, err := t.service.Delegate(ctx, scopeArg(req, t.defaultUser), level, id, target, data,
		req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delegate: %v", err)), nil
	}
	return jsonResult(d), nil
}
