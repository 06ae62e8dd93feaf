// Package contexttools provides the MCP tool handlers for the context
// hierarchy engine.
//
// Each tool handler follows the same pattern:
// - A struct with dependencies (service.Service, batch.Executor) injected via constructor
// - Definition() returns the mcp.Tool schema
// - Handle() processes the request and returns a result
//
// Domain errors surface as tool errors (mcp.NewToolResultError), never
// as Go errors: a failed operation is a valid protocol response.
package contexttools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stratahq/strata/internal/hierarchy"
)

// scopeArg builds the caller's scope from the user_id argument,
// falling back to the configured default user.
func scopeArg(req mcp.CallToolRequest, defaultUser string) hierarchy.Scope {
	return hierarchy.NewScope(req.GetString("user_id", defaultUser))
}

// levelArg parses the level argument.
func levelArg(req mcp.CallToolRequest) (hierarchy.Level, error) {
	return hierarchy.ParseLevel(req.GetString("level", ""))
}

// dataArg extracts a structured data argument. MCP clients send it
// either as a JSON object or as a JSON-encoded string; both are
// accepted here so the core only ever sees maps.
func dataArg(req mcp.CallToolRequest, key string) (map[string]any, error) {
	raw, ok := req.GetArguments()[key]
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

// boolArg extracts a boolean argument from a tool request.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// intArg extracts an integer argument, returning defaultVal if the
// key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// jsonResult renders v as an indented JSON tool result.
func jsonResult(v any) *mcp.CallToolResult {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode response: %v", err))
	}
	return mcp.NewToolResultText(string(out))
}
