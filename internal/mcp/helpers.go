package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mvp-joe/cortexd/internal/indexer"
)

// parseToolArguments validates and extracts the arguments map from an MCP tool request.
// Returns the arguments map or an error result if validation fails.
func parseToolArguments(request mcp.CallToolRequest) (map[string]any, *mcp.CallToolResult) {
	if request.Params.Arguments == nil {
		return map[string]any{}, nil
	}
	argsMap, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return nil, mcp.NewToolResultError("invalid arguments format")
	}
	return argsMap, nil
}

// marshalToolResponse marshals a response object to JSON and returns it as an MCP tool result.
func marshalToolResponse(response any) (*mcp.CallToolResult, error) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}

// triggerResult turns a handler failure into a tool error whose text starts
// with the failure code ("not_found: ...", "conflict: ...").
func triggerResult(err error) *mcp.CallToolResult {
	var te *indexer.TriggerError
	if errors.As(err, &te) {
		return mcp.NewToolResultError(te.Error())
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", indexer.CodeInternal, err))
}

// invalidArgument reports a malformed tool argument.
func invalidArgument(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", indexer.CodeInvalidArgument, err))
}
