package contexttools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stratahq/strata/internal/batch"
	"github.com/stratahq/strata/internal/hierarchy"
)

// BatchTool handles the context_batch MCP tool.
type BatchTool struct {
	executor    *batch.Executor
	defaultUser string
}

// NewBatchTool creates a BatchTool.
func NewBatchTool(ex *batch.Executor, defaultUser string) *BatchTool {
	return &BatchTool{executor: ex, defaultUser: defaultUser}
}

// Definition returns the MCP tool definition for context_batch.
func (t *BatchTool) Definition() mcp.Tool {
	return mcp.NewTool("context_batch",
		mcp.WithDescription(
			"Execute multiple context operations in one call. Operations run sequentially by default; "+
				"parallel runs them concurrently, stop_on_error aborts at the first failure, and "+
				"transaction makes the batch atomic (any failure rolls every operation back).",
		),
		mcp.WithArray("operations",
			mcp.Required(),
			mcp.Description(
				"Operations to execute. Each is an object with: type (create, update, delete, upsert), "+
					"level, context_id, data, optional project_id/branch_id parent refs, and an optional "+
					"user_id overriding the batch-level user for that operation",
			),
		),
		mcp.WithBoolean("transaction",
			mcp.Description("All-or-nothing execution with rollback on failure (default false)"),
		),
		mcp.WithBoolean("parallel",
			mcp.Description("Run operations concurrently; ignored with transaction (default false)"),
		),
		mcp.WithBoolean("stop_on_error",
			mcp.Description("Abort remaining operations after the first failure (default false)"),
		),
		mcp.WithString("user_id",
			mcp.Description("Owner of the contexts. Defaults to the server's default user"),
		),
	)
}

// Handle processes the context_batch tool call.
func (t *BatchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ops, err := operationsArg(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(ops) == 0 {
		return mcp.NewToolResultError("'operations' is required and must not be empty"), nil
	}

	summary, err := t.executor.Execute(ctx, scopeArg(req, t.defaultUser), ops, batch.Options{
		Transaction: boolArg(req, "transaction", false),
		Parallel:    boolArg(req, "parallel", false),
		StopOnError: boolArg(req, "stop_on_error", false),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("batch execution failed: %v", err)), nil
	}
	return jsonResult(summary), nil
}

// operationsArg decodes the operations array. Each element arrives as
// a generic JSON object; level names are parsed here so the executor
// only sees typed operations.
func operationsArg(req mcp.CallToolRequest) ([]batch.Operation, error) {
	raw, ok := req.GetArguments()["operations"].([]any)
	if !ok {
		return nil, fmt.Errorf("'operations' must be an array")
	}

	ops := make([]batch.Operation, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("operations[%d] must be an object", i)
		}
		level, err := hierarchy.ParseLevel(stringIn(obj, "level"))
		if err != nil {
			return nil, fmt.Errorf("operations[%d]: %w", i, err)
		}
		data, err := dataIn(obj, "data")
		if err != nil {
			return nil, fmt.Errorf("operations[%d]: %w", i, err)
		}
		ops = append(ops, batch.Operation{
			Type:      stringIn(obj, "type"),
			Level:     level,
			ID:        stringIn(obj, "context_id"),
			UserID:    stringIn(obj, "user_id"),
			Data:      data,
			ProjectID: stringIn(obj, "project_id"),
			BranchID:  stringIn(obj, "branch_id"),
		})
	}
	return ops, nil
}

func stringIn(obj map[string]any, key string) string {
	v, _ := obj[key].(string)
	return v
}

func dataIn(obj map[string]any, key string) (map[string]any, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		if v == "" {
			return nil, nil
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("'%s' is not a JSON object: %w", key, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("'%s' must be a JSON object", key)
	}
}
