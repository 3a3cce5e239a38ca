package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ValidateRequired reports the first missing or empty argument.
func ValidateRequired(args map[string]any, keys ...string) error {
	for _, k := range keys {
		v, ok := args[k]
		if !ok || v == nil {
			return fmt.Errorf("missing required parameter: %s", k)
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return fmt.Errorf("parameter %s must not be empty", k)
		}
	}
	return nil
}

// SafeAssertString returns v as a string, or fallback.
func SafeAssertString(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

// MarshalResponse renders v as indented JSON text.
func MarshalResponse(v any, toolName string) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: failed to encode response: %s", toolName, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
