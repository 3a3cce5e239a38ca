// Package mcp exposes inspection and control of the ticker as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kisdeck/kis-ticker/kis/deck"
	"github.com/kisdeck/kis-ticker/kis/quote"
	"github.com/kisdeck/kis-ticker/kis/stream"
)

// Services is what the tools need from the running process. *kis.Manager
// satisfies it.
type Services interface {
	StreamStatus() stream.Status
	Surfaces() []deck.SurfaceInfo
	RefreshSurface(ctx context.Context, id string) error
	Snapshot(ctx context.Context, in quote.Instrument) (*quote.Quote, error)
}

// Tool pairs an MCP tool definition with its handler.
type Tool interface {
	Tool() mcp.Tool
	Handler(Services) server.ToolHandlerFunc
}

// GetAllTools returns all available tools for registration.
func GetAllTools() []Tool {
	return []Tool{
		&StreamStatusTool{},
		&ListSurfacesTool{},
		&RefreshSurfaceTool{},
		&GetSnapshotTool{},
	}
}

// ToolNames lists the names of every tool.
func ToolNames() []string {
	var names []string
	for _, t := range GetAllTools() {
		names = append(names, t.Tool().Name)
	}
	return names
}

// parseExcludedTools parses a comma-separated list of tool names.
func parseExcludedTools(excludedTools string) map[string]bool {
	excludedSet := make(map[string]bool)
	for _, name := range strings.Split(excludedTools, ",") {
		if name = strings.TrimSpace(name); name != "" {
			excludedSet[name] = true
		}
	}
	return excludedSet
}

// filterTools returns the tools not in excludedSet and how many were excluded.
func filterTools(allTools []Tool, excludedSet map[string]bool) ([]Tool, int) {
	filtered := make([]Tool, 0, len(allTools))
	excluded := 0
	for _, tool := range allTools {
		if excludedSet[tool.Tool().Name] {
			excluded++
			continue
		}
		filtered = append(filtered, tool)
	}
	return filtered, excluded
}

// RegisterTools registers every tool not listed in excludedTools.
func RegisterTools(srv *server.MCPServer, services Services, excludedTools string, logger *slog.Logger) {
	excludedSet := parseExcludedTools(excludedTools)
	for name := range excludedSet {
		logger.Info("Excluding tool from registration", "tool", name)
	}

	allTools := GetAllTools()
	tools, excluded := filterTools(allTools, excludedSet)
	for _, tool := range tools {
		srv.AddTool(tool.Tool(), tool.Handler(services))
	}

	logger.Info("Tool registration complete",
		"registered", len(tools),
		"excluded", excluded,
		"total_available", len(allTools))
}
