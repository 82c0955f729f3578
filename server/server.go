// Package server wires the dynamic tool pipeline into an MCP server:
// plugin functions become remote-callable tools, admin tools expose
// environment management, and middleware keeps the registry
// eventually consistent with the plugin directories on disk.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/toolsmith-hq/toolsmith/catalog"
	"github.com/toolsmith-hq/toolsmith/loader"
	"github.com/toolsmith-hq/toolsmith/toolenv"
	"github.com/toolsmith-hq/toolsmith/worker"
)

const (
	// maxOutputBytes is the maximum response size before truncation (1 MB).
	maxOutputBytes = 1 << 20

	// workerScriptDir is the managed directory under the plugin root
	// holding the materialized worker scripts. The leading underscore
	// keeps it out of plugin discovery.
	workerScriptDir = "_worker"
)

// Server is the toolsmith MCP server.
type Server struct {
	version string
	cfg     *Config
	logger  *slog.Logger

	envs    *toolenv.Manager
	cache   *catalog.Cache
	tracker *catalog.Tracker
	loader  *loader.Loader
	mcp     *mcpserver.MCPServer
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithLogger sets the logger for the server and its components.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// New creates a toolsmith server over the configured plugin root,
// materializing the worker scripts and building the discovery
// pipeline. The plugin root is created if absent.
func New(version string, cfg *Config, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Server{
		version: version,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	root, err := filepath.Abs(cfg.PluginRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving plugin root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating plugin root: %w", err)
	}
	s.cfg.PluginRoot = root

	scripts, err := worker.Materialize(filepath.Join(root, workerScriptDir))
	if err != nil {
		return nil, err
	}

	s.envs = toolenv.NewManager(
		toolenv.WithPython(cfg.Python),
		toolenv.WithIndexURL(cfg.IndexURL),
		toolenv.WithInstallTimeout(cfg.InstallTimeout()),
		toolenv.WithLogger(s.logger),
	)
	s.cache = catalog.NewCache()
	s.tracker = catalog.NewTracker(cfg.HistoryLimit)

	s.mcp = mcpserver.NewMCPServer(
		"toolsmith",
		version,
		mcpserver.WithRecovery(),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithHooks(s.hooks()),
		mcpserver.WithToolHandlerMiddleware(s.dynamicRefresh),
	)

	s.loader = loader.New(root, s.envs, s.cache, s.tracker, scripts, s.mcp,
		loader.WithLogger(s.logger),
		loader.WithConcurrency(cfg.ScanConcurrency),
		loader.WithIntrospectTimeout(cfg.IntrospectTimeout()),
		loader.WithExecTimeout(cfg.ExecTimeout()),
		loader.WithRequestsPerMinute(cfg.RequestsPerMinute),
	)

	s.registerAdminTools()
	return s, nil
}

// Loader exposes the discovery pipeline, mainly for the CLI and tests.
func (s *Server) Loader() *loader.Loader { return s.loader }

// Envs exposes the environment manager, mainly for the CLI and tests.
func (s *Server) Envs() *toolenv.Manager { return s.envs }

// Tracker exposes the change tracker, mainly for the CLI and tests.
func (s *Server) Tracker() *catalog.Tracker { return s.tracker }

// Serve starts the MCP server on stdio and blocks until the client
// disconnects. An initial full discovery runs first so the tool list
// is populated before the first request.
func (s *Server) Serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.start(ctx)
	return mcpserver.ServeStdio(s.mcp)
}

// ServeSSE starts the MCP server over SSE on the given address.
func (s *Server) ServeSSE(addr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.start(ctx)
	return mcpserver.NewSSEServer(s.mcp).Start(addr)
}

// start runs the initial discovery and, when configured, the
// plugin-root watcher.
func (s *Server) start(ctx context.Context) {
	diff, res, err := s.loader.Refresh(ctx, "")
	if err != nil {
		s.logger.Error("initial plugin scan failed", "error", err)
	} else {
		s.logger.Info("initial plugin scan",
			"tools", len(res.Tools),
			"errors", len(res.Errors),
			"added", len(diff.Added))
	}

	if s.cfg.Watch {
		w := loader.NewWatcher(s.cfg.PluginRoot, s.cache, 0, s.logger)
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("plugin watcher stopped", "error", err)
			}
		}()
	}
}

// truncate limits response text to maxOutputBytes.
func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (truncated)"
}

// resultJSON marshals a value into a text tool result.
func resultJSON(v any) *mcp.CallToolResult {
	data, err := jsonMarshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("serializing result: %v", err))
	}
	return mcp.NewToolResultText(truncate(string(data)))
}
