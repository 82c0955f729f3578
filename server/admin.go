package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/toolsmith-hq/toolsmith/catalog"
	"github.com/toolsmith-hq/toolsmith/loader"
	"github.com/toolsmith-hq/toolsmith/toolenv"
)

// defaultEntryTemplate is written into new plugins when no initial
// code is supplied.
const defaultEntryTemplate = `def example(message: str) -> str:
    """Echo the given message."""
    return f"example: {message}"
`

func jsonMarshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// adminToolNames lists the server's built-in tools. All are
// unqualified, so targeted refreshes never touch them.
var adminToolNames = []string{
	"create_tool_env",
	"update_tool_env",
	"get_tool_env_info",
	"diagnose_tool_env",
	"repair_tool_env",
	"list_current_functions",
	"get_tool_changes",
	"refresh_tools",
}

func (s *Server) registerAdminTools() {
	s.mcp.AddTool(
		mcp.NewTool("create_tool_env",
			mcp.WithDescription("Create a new plugin directory with its own virtual environment and install its requirements"),
			mcp.WithString("name",
				mcp.Description("Plugin name (letter followed by letters, digits, or underscores)"),
				mcp.Required(),
			),
			mcp.WithArray("requirements",
				mcp.Description("Dependency lines for requirements.txt"),
			),
			mcp.WithString("initial_code",
				mcp.Description("Initial contents of tool.py; a template is used when omitted"),
			),
		),
		s.handleCreateToolEnv,
	)

	s.mcp.AddTool(
		mcp.NewTool("update_tool_env",
			mcp.WithDescription("Update a plugin's code or requirements and reinstall its dependencies"),
			mcp.WithString("name",
				mcp.Description("Plugin name"),
				mcp.Required(),
			),
			mcp.WithArray("requirements",
				mcp.Description("Replacement dependency lines; omit to leave the manifest unchanged"),
			),
			mcp.WithString("code",
				mcp.Description("Replacement contents of tool.py; omit to leave the code unchanged"),
			),
			mcp.WithBoolean("force_reinstall",
				mcp.Description("Uninstall user packages before reinstalling requirements"),
			),
		),
		s.handleUpdateToolEnv,
	)

	s.mcp.AddTool(
		mcp.NewTool("get_tool_env_info",
			mcp.WithDescription("Report plugin environment structure: entry file, manifest, virtualenv, installed packages, cache state"),
			mcp.WithString("name",
				mcp.Description("Plugin name; omit for all plugins"),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleGetToolEnvInfo,
	)

	s.mcp.AddTool(
		mcp.NewTool("diagnose_tool_env",
			mcp.WithDescription("Classify a plugin environment's health with recommendations"),
			mcp.WithString("name",
				mcp.Description("Plugin name"),
				mcp.Required(),
			),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleDiagnoseToolEnv,
	)

	s.mcp.AddTool(
		mcp.NewTool("repair_tool_env",
			mcp.WithDescription("Recreate a plugin environment and reinstall its requirements"),
			mcp.WithString("name",
				mcp.Description("Plugin name"),
				mcp.Required(),
			),
			mcp.WithBoolean("force",
				mcp.Description("Destroy the environment before recreating it"),
			),
		),
		s.handleRepairToolEnv,
	)

	s.mcp.AddTool(
		mcp.NewTool("list_current_functions",
			mcp.WithDescription("Snapshot of the registry: built-in tools, dynamic plugin tools, and per-plugin environment state"),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleListCurrentFunctions,
	)

	s.mcp.AddTool(
		mcp.NewTool("get_tool_changes",
			mcp.WithDescription("Summary of recent registry changes: counts, latest diffs, snapshot key sets"),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		s.handleGetToolChanges,
	)

	s.mcp.AddTool(
		mcp.NewTool("refresh_tools",
			mcp.WithDescription("Run a full plugin scan and reconcile the registry"),
		),
		s.handleRefreshTools,
	)
}

// pluginDir resolves and validates a plugin name into its directory.
func (s *Server) pluginDir(name string) (string, error) {
	if err := catalog.CheckPluginName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.cfg.PluginRoot, name), nil
}

// existingPluginDir is pluginDir plus a directory-must-exist check.
func (s *Server) existingPluginDir(name string) (string, error) {
	dir, err := s.pluginDir(name)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", fmt.Errorf("plugin %q not found under %s", name, s.cfg.PluginRoot)
	}
	return dir, nil
}

// stringSlice coerces a JSON array argument into strings.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func writeRequirements(dir string, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	return os.WriteFile(filepath.Join(dir, toolenv.RequirementsFileName), []byte(content), 0o644)
}

func (s *Server) handleCreateToolEnv(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required argument: name"), nil
	}
	dir, err := s.pluginDir(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := os.Stat(dir); err == nil {
		return mcp.NewToolResultError(fmt.Sprintf("plugin %q already exists at %s", name, dir)), nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("creating plugin directory: %v", err)), nil
	}

	code := request.GetString("initial_code", "")
	if code == "" {
		code = defaultEntryTemplate
	}
	if err := os.WriteFile(filepath.Join(dir, toolenv.EntryFileName), []byte(code), 0o644); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("writing %s: %v", toolenv.EntryFileName, err)), nil
	}

	requirements := stringSlice(request.GetArguments()["requirements"])
	if len(requirements) > 0 {
		if err := writeRequirements(dir, requirements); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("writing %s: %v", toolenv.RequirementsFileName, err)), nil
		}
	}

	venv, err := s.envs.Ensure(ctx, dir)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("creating environment: %v", err)), nil
	}
	install, err := s.envs.InstallRequirements(ctx, dir)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("installing requirements: %v", err)), nil
	}

	diff, _, _ := s.loader.Refresh(ctx, name)

	return resultJSON(map[string]any{
		"name":       name,
		"path":       dir,
		"venv_path":  venv,
		"install":    install,
		"registered": diff.Added,
	}), nil
}

func (s *Server) handleUpdateToolEnv(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required argument: name"), nil
	}
	dir, err := s.existingPluginDir(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	args := request.GetArguments()
	var changes []string

	if code := request.GetString("code", ""); code != "" {
		if err := os.WriteFile(filepath.Join(dir, toolenv.EntryFileName), []byte(code), 0o644); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("writing %s: %v", toolenv.EntryFileName, err)), nil
		}
		changes = append(changes, "tool.py replaced")
	}

	requirementsGiven := false
	if raw, ok := args["requirements"]; ok && raw != nil {
		requirementsGiven = true
		if err := writeRequirements(dir, stringSlice(raw)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("writing %s: %v", toolenv.RequirementsFileName, err)), nil
		}
		changes = append(changes, "requirements.txt replaced")
	}

	force := request.GetBool("force_reinstall", false)
	var install *toolenv.InstallResult
	if force {
		if err := s.envs.UninstallUserPackages(ctx, dir); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("uninstalling packages: %v", err)), nil
		}
		changes = append(changes, "user packages uninstalled")
	}
	if force || requirementsGiven {
		install, err = s.envs.InstallRequirements(ctx, dir)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("installing requirements: %v", err)), nil
		}
		changes = append(changes, "requirements reinstalled")
	}

	s.cache.Invalidate(name)
	diff, _, _ := s.loader.Refresh(ctx, name)

	report := map[string]any{
		"name":    name,
		"changes": changes,
		"diff":    diff,
	}
	if install != nil {
		report["install"] = install
	}
	return resultJSON(report), nil
}

func (s *Server) handleGetToolEnvInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("name", "")
	if name != "" {
		dir, err := s.existingPluginDir(name)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return resultJSON(map[string]any{
			"environment": s.envs.Describe(ctx, dir),
			"cache":       s.cache.Stats()[name],
		}), nil
	}

	dirs, err := loader.PluginDirs(s.cfg.PluginRoot)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	infos := make([]*toolenv.EnvInfo, 0, len(dirs))
	for _, dir := range dirs {
		infos = append(infos, s.envs.Describe(ctx, dir))
	}
	return resultJSON(map[string]any{
		"environments": infos,
		"cache":        s.cache.Stats(),
	}), nil
}

func (s *Server) handleDiagnoseToolEnv(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required argument: name"), nil
	}
	dir, err := s.existingPluginDir(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(s.envs.Diagnose(ctx, dir)), nil
}

func (s *Server) handleRepairToolEnv(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("missing required argument: name"), nil
	}
	dir, err := s.existingPluginDir(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	force := request.GetBool("force", false)
	install, err := s.envs.Repair(ctx, dir, force)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("repair failed: %v", err)), nil
	}

	s.cache.Invalidate(name)
	diff, _, _ := s.loader.Refresh(ctx, name)

	return resultJSON(map[string]any{
		"name":    name,
		"forced":  force,
		"install": install,
		"diff":    diff,
	}), nil
}

func (s *Server) handleListCurrentFunctions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snapshot := s.loader.Snapshot()
	dynamic := make(map[string]map[string]any, len(snapshot))
	for name, desc := range snapshot {
		dynamic[name] = map[string]any{
			"description": desc.Description,
			"tags":        desc.Tags,
			"plugin":      desc.ToolNamePrefix,
		}
	}

	dirs, err := loader.PluginDirs(s.cfg.PluginRoot)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	plugins := make([]map[string]any, 0, len(dirs))
	for _, dir := range dirs {
		entry := map[string]any{"name": filepath.Base(dir)}
		_, err := os.Stat(filepath.Join(dir, toolenv.EntryFileName))
		entry["has_tool_py"] = err == nil
		_, err = os.Stat(filepath.Join(dir, toolenv.RequirementsFileName))
		entry["has_requirements"] = err == nil
		_, err = os.Stat(toolenv.VenvPath(dir))
		entry["has_venv"] = err == nil
		plugins = append(plugins, entry)
	}

	builtin := make([]string, len(adminToolNames))
	copy(builtin, adminToolNames)
	sort.Strings(builtin)

	return resultJSON(map[string]any{
		"builtin": builtin,
		"dynamic": dynamic,
		"plugins": plugins,
	}), nil
}

func (s *Server) handleGetToolChanges(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return resultJSON(s.tracker.Summary()), nil
}

func (s *Server) handleRefreshTools(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	diff, res, err := s.loader.Refresh(ctx, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("refresh failed: %v", err)), nil
	}
	return resultJSON(map[string]any{
		"diff":         diff,
		"tools":        len(res.Tools),
		"errors":       res.Errors,
		"cache_hits":   res.CacheHits,
		"cache_misses": res.CacheMisses,
	}), nil
}
