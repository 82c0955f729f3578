package server

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/toolsmith-hq/toolsmith/catalog"
)

// hooks builds the registry intercepts. Before every list_tools
// request a full discovery cycle runs and reconciles the registry,
// so the reply reflects on-disk state as observed at the start of
// the request.
func (s *Server) hooks() *mcpserver.Hooks {
	hooks := &mcpserver.Hooks{}
	hooks.AddBeforeListTools(func(ctx context.Context, id any, message *mcp.ListToolsRequest) {
		diff, res, err := s.loader.Refresh(ctx, "")
		if err != nil {
			s.logger.Error("list refresh failed", "error", err)
			return
		}
		s.logger.Debug("list refresh",
			"tools", len(res.Tools),
			"errors", len(res.Errors),
			"cache_hits", res.CacheHits,
			"cache_misses", res.CacheMisses,
			"added", len(diff.Added),
			"removed", len(diff.Removed),
			"modified", len(diff.Modified))
	})
	return hooks
}

// dynamicRefresh intercepts every tool call. Qualified names trigger
// a targeted refresh of their plugin before dispatch, so the call
// observes either the old function or the new one, never a partial
// mixture. A failed targeted refresh falls through to the previously
// registered proxy. Unqualified names (built-in, mirrored) pass
// straight through. Elapsed time and a result preview are logged
// either way.
func (s *Server) dynamicRefresh(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := request.Params.Name
		if catalog.IsQualified(name) {
			plugin := catalog.PluginOf(name)
			if _, res, err := s.loader.Refresh(ctx, plugin); err != nil {
				s.logger.Error("targeted refresh failed", "plugin", plugin, "error", err)
			} else if len(res.Errors) > 0 {
				s.logger.Warn("targeted refresh reported errors",
					"plugin", plugin, "errors", res.Errors)
			}
		}

		start := time.Now()
		result, err := next(ctx, request)
		s.logger.Info("tool call",
			"tool", name,
			"elapsed", time.Since(start),
			"error", err != nil || (result != nil && result.IsError),
			"preview", preview(result))
		return result, err
	}
}

// preview extracts a short prefix of a result's first text content
// for logging.
func preview(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			const max = 100
			if len(tc.Text) > max {
				return tc.Text[:max] + "..."
			}
			return tc.Text
		}
	}
	return ""
}
