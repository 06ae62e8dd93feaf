package contexttools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stratahq/strata/internal/hierarchy"
	"github.com/stratahq/strata/internal/service"
	"github.com/stratahq/strata/internal/store"
)

// CreateTool handles the context_create MCP tool.
type CreateTool struct {
	service     *service.Service
	defaultUser string
}

// NewCreateTool creates a CreateTool.
func NewCreateTool(svc *service.Service, defaultUser string) *CreateTool {
	return &CreateTool{service: svc, defaultUser: defaultUser}
}

// Definition returns the MCP tool definition for context_create.
func (t *CreateTool) Definition() mcp.Tool {
	return mcp.NewTool("context_create",
		mcp.WithDescription(
			"Create a new context at one of the four hierarchy levels (global, project, branch, task). "+
				"Lower levels inherit data from their ancestors; a branch references its project via project_id, "+
				"a task references its branch via branch_id.",
		),
		mcp.WithString("level",
			mcp.Required(),
			mcp.Description("Hierarchy level: global, project, branch, or task"),
		),
		mcp.WithString("context_id",
			mcp.Description("Context identifier. Defaults to the user id for global, a generated UUID otherwise"),
		),
		mcp.WithObject("data",
			mcp.Description("Initial context data as a JSON object"),
		),
		mcp.WithString("project_id",
			mcp.Description("Parent project id (branch contexts)"),
		),
		mcp.WithString("branch_id",
			mcp.Description("Parent branch id (task contexts)"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owner of the context. Defaults to the server's default user"),
		),
	)
}

// Handle processes the context_create tool call.
func (t *CreateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := dataArg(req, "data")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	created, err := t.service.Create(ctx, scopeArg(req, t.defaultUser), service.CreateParams{
		Level:     level,
		ID:        req.GetString("context_id", ""),
		Data:      data,
		ProjectID: req.GetString("project_id", ""),
		BranchID:  req.GetString("branch_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create context: %v", err)), nil
	}
	return jsonResult(created), nil
}

// ─── GetTool ─────────────────────────────────────────────────────────────────

// GetTool handles the context_get MCP tool.
type GetTool struct {
	service     *service.Service
	defaultUser string
}

// NewGetTool creates a GetTool.
func NewGetTool(svc *service.Service, defaultUser string) *GetTool {
	return &GetTool{service: svc, defaultUser: defaultUser}
}

// Definition returns the MCP tool definition for context_get.
func (t *GetTool) Definition() mcp.Tool {
	return mcp.NewTool("context_get",
		mcp.WithDescription(
			"Fetch one context. With include_inherited the response is the fully resolved view: "+
				"the context's data merged with everything it inherits from its ancestors.",
		),
		mcp.WithString("level",
			mcp.Required(),
			mcp.Description("Hierarchy level: global, project, branch, or task"),
		),
		mcp.WithString("context_id",
			mcp.Required(),
			mcp.Description("Context identifier"),
		),
		mcp.WithBoolean("include_inherited",
			mcp.Description("Return the resolved view including inherited data (default false)"),
		),
		mcp.WithBoolean("force_refresh",
			mcp.Description("Bypass the resolution cache (only meaningful with include_inherited)"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owner of the context. Defaults to the server's default user"),
		),
	)
}

// Handle processes the context_get tool call.
func (t *GetTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("context_id", "")
	if id == "" {
		return mcp.NewToolResultError("'context_id' is required"), nil
	}
	scope := scopeArg(req, t.defaultUser)

	if boolArg(req, "include_inherited", false) {
		resolved, err := t.service.Resolve(ctx, scope, level, id, boolArg(req, "force_refresh", false))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to resolve context: %v", err)), nil
		}
		return jsonResult(resolved), nil
	}

	c, err := t.service.Get(ctx, scope, level, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get context: %v", err)), nil
	}
	return jsonResult(c), nil
}

// ─── UpdateTool ──────────────────────────────────────────────────────────────

// UpdateTool handles the context_update MCP tool.
type UpdateTool struct {
	service     *service.Service
	defaultUser string
}

// NewUpdateTool creates an UpdateTool.
func NewUpdateTool(svc *service.Service, defaultUser string) *UpdateTool {
	return &UpdateTool{service: svc, defaultUser: defaultUser}
}

// Definition returns the MCP tool definition for context_update.
func (t *UpdateTool) Definition() mcp.Tool {
	return mcp.NewTool("context_update",
		mcp.WithDescription(
			"Merge data into an existing context. Top-level keys overwrite; nested objects merge one "+
				"level deep. Each update increments the context's version.",
		),
		mcp.WithString("level",
			mcp.Required(),
			mcp.Description("Hierarchy level: global, project, branch, or task"),
		),
		mcp.WithString("context_id",
			mcp.Required(),
			mcp.Description("Context identifier"),
		),
		mcp.WithObject("data",
			mcp.Required(),
			mcp.Description("Data to merge into the context"),
		),
		mcp.WithBoolean("propagate_changes",
			mcp.Description("Invalidate descendants' cached resolutions too (default true)"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owner of the context. Defaults to the server's default user"),
		),
	)
}

// Handle processes the context_update tool call.
func (t *UpdateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("context_id", "")
	if id == "" {
		return mcp.NewToolResultError("'context_id' is required"), nil
	}
	data, err := dataArg(req, "data")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if data == nil {
		return mcp.NewToolResultError("'data' is required"), nil
	}

	updated, err := t.service.Update(ctx, scopeArg(req, t.defaultUser), level, id, data,
		boolArg(req, "propagate_changes", true))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update context: %v", err)), nil
	}
	return jsonResult(updated), nil
}

// ─── DeleteTool ──────────────────────────────────────────────────────────────

// DeleteTool handles the context_delete MCP tool.
type DeleteTool struct {
	service     *service.Service
	defaultUser string
}

// NewDeleteTool creates a DeleteTool.
func NewDeleteTool(svc *service.Service, defaultUser string) *DeleteTool {
	return &DeleteTool{service: svc, defaultUser: defaultUser}
}

// Definition returns the MCP tool definition for context_delete.
func (t *DeleteTool) Definition() mcp.Tool {
	return mcp.NewTool("context_delete",
		mcp.WithDescription(
			"Delete a context. Descendants are not deleted; they keep working and simply stop "+
				"inheriting from the removed ancestor.",
		),
		mcp.WithString("level",
			mcp.Required(),
			mcp.Description("Hierarchy level: global, project, branch, or task"),
		),
		mcp.WithString("context_id",
			mcp.Required(),
			mcp.Description("Context identifier"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owner of the context. Defaults to the server's default user"),
		),
	)
}

// Handle processes the context_delete tool call.
func (t *DeleteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("context_id", "")
	if id == "" {
		return mcp.NewToolResultError("'context_id' is required"), nil
	}

	existed, err := t.service.Delete(ctx, scopeArg(req, t.defaultUser), level, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete context: %v", err)), nil
	}
	if !existed {
		return mcp.NewToolResultText(fmt.Sprintf("Context %s %q did not exist", level, id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Context %s %q deleted", level, id)), nil
}

// ─── ListTool ────────────────────────────────────────────────────────────────

// ListTool handles the context_list MCP tool.
type ListTool struct {
	service     *service.Service
	defaultUser string
}

// NewListTool creates a ListTool.
func NewListTool(svc *service.Service, defaultUser string) *ListTool {
	return &ListTool{service: svc, defaultUser: defaultUser}
}

// Definition returns the MCP tool definition for context_list.
func (t *ListTool) Definition() mcp.Tool {
	return mcp.NewTool("context_list",
		mcp.WithDescription(
			"List the caller's contexts at one level. Filters combine with AND.",
		),
		mcp.WithString("level",
			mcp.Required(),
			mcp.Description("Hierarchy level: global, project, branch, or task"),
		),
		mcp.WithString("project_id",
			mcp.Description("Only contexts under this project"),
		),
		mcp.WithString("branch_id",
			mcp.Description("Only contexts under this branch"),
		),
		mcp.WithString("status",
			mcp.Description("Only contexts whose data.status equals this value"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of contexts to return"),
		),
		mcp.WithNumber("offset",
			mcp.Description("Number of contexts to skip"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owner of the contexts. Defaults to the server's default user"),
		),
	)
}

// Handle processes the context_list tool call.
func (t *ListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	level, err := levelArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	contexts, err := t.service.List(ctx, scopeArg(req, t.defaultUser), level, store.ListFilter{
		ProjectID: req.GetString("project_id", ""),
		BranchID:  req.GetString("branch_id", ""),
		Status:    req.GetString("status", ""),
		Limit:     intArg(req, "limit", 0),
		Offset:    intArg(req, "offset", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list contexts: %v", err)), nil
	}
	if contexts == nil {
		contexts = []*hierarchy.Context{}
	}
	return jsonResult(map[string]any{
		"level":    level.String(),
		"count":    len(contexts),
		"contexts": contexts,
	}), nil
}
