package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/toolsmith-hq/toolsmith/catalog"
	"github.com/toolsmith-hq/toolsmith/toolenv"
	"github.com/toolsmith-hq/toolsmith/worker"
)

// Registry is the outward tool registry the loader reconciles
// against. *server.MCPServer satisfies it directly.
type Registry interface {
	AddTool(tool mcp.Tool, handler mcpserver.ToolHandlerFunc)
	DeleteTools(names ...string)
}

// LoadedTool pairs a descriptor with its executable proxy and the
// bindings that produced it.
type LoadedTool struct {
	Descriptor  catalog.Descriptor
	Proxy       *Proxy
	Dir         string
	Interpreter string
}

// LoadError records a per-plugin discovery failure. It never aborts
// the scan; the plugin's previously registered tools survive until
// the plugin loads successfully again or is explicitly cleaned.
type LoadError struct {
	Plugin string `json:"plugin"`
	Error  string `json:"error"`
}

// ScanResult is the outcome of one discovery cycle.
type ScanResult struct {
	Tools       map[string]LoadedTool
	Errors      []LoadError
	CacheHits   int
	CacheMisses int
}

// Loader owns the discovery pipeline: it enumerates plugin
// directories, consults the metadata cache, provisions environments
// and spawns introspection workers on misses, and reconciles the
// resulting proxies into the registry. Registry mutation happens
// only inside Reconcile, under the loader's mutex.
type Loader struct {
	root     string
	envs     *toolenv.Manager
	cache    *catalog.Cache
	tracker  *catalog.Tracker
	scripts  *worker.Scripts
	registry Registry
	logger   *slog.Logger

	concurrency       int
	introspectTimeout time.Duration
	execTimeout       time.Duration
	limiters          *callLimiters

	mu         sync.Mutex
	registered map[string]catalog.Descriptor
	proxies    map[string]*Proxy
}

// LoaderOption is a functional option for configuring a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the loader's logger.
func WithLogger(l *slog.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// WithConcurrency bounds how many plugins are discovered in parallel.
func WithConcurrency(n int) LoaderOption {
	return func(ld *Loader) {
		if n > 0 {
			ld.concurrency = n
		}
	}
}

// WithIntrospectTimeout overrides the introspection worker bound.
func WithIntrospectTimeout(d time.Duration) LoaderOption {
	return func(ld *Loader) {
		if d > 0 {
			ld.introspectTimeout = d
		}
	}
}

// WithExecTimeout overrides the execution worker bound.
func WithExecTimeout(d time.Duration) LoaderOption {
	return func(ld *Loader) {
		if d > 0 {
			ld.execTimeout = d
		}
	}
}

// WithRequestsPerMinute enables per-plugin invocation rate limiting.
func WithRequestsPerMinute(n int) LoaderOption {
	return func(ld *Loader) { ld.limiters = newCallLimiters(n) }
}

// New creates a Loader over the given plugin root.
func New(root string, envs *toolenv.Manager, cache *catalog.Cache, tracker *catalog.Tracker, scripts *worker.Scripts, registry Registry, opts ...LoaderOption) *Loader {
	ld := &Loader{
		root:              root,
		envs:              envs,
		cache:             cache,
		tracker:           tracker,
		scripts:           scripts,
		registry:          registry,
		logger:            slog.Default(),
		concurrency:       4,
		introspectTimeout: worker.DefaultIntrospectTimeout,
		execTimeout:       worker.DefaultExecTimeout,
		limiters:          newCallLimiters(0),
		registered:        make(map[string]catalog.Descriptor),
		proxies:           make(map[string]*Proxy),
	}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// PluginDirs enumerates valid plugin directories under root, sorted
// by name. Underscore-prefixed directories and the interpreter cache
// directory are ignored.
func PluginDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading plugin root %s: %w", root, err)
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() || !catalog.ValidPluginName(entry.Name()) {
			continue
		}
		dirs = append(dirs, filepath.Join(root, entry.Name()))
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ScanAndLoad runs one discovery cycle. With target == "" every
// plugin directory is processed; otherwise only the named plugin.
// Per-plugin failures are collected in the result, never returned as
// an error.
func (l *Loader) ScanAndLoad(ctx context.Context, target string) (*ScanResult, error) {
	dirs, err := PluginDirs(l.root)
	if err != nil {
		return nil, err
	}

	res := &ScanResult{Tools: make(map[string]LoadedTool)}
	var resMu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)

	for _, dir := range dirs {
		if target != "" && filepath.Base(dir) != target {
			continue
		}
		dir := dir
		g.Go(func() error {
			tools, hit, err := l.loadPlugin(gCtx, dir)

			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, LoadError{Plugin: filepath.Base(dir), Error: err.Error()})
				l.logger.Error("plugin load failed", "plugin", filepath.Base(dir), "error", err)
				return nil // per-plugin errors never abort the scan
			}
			if hit {
				res.CacheHits++
			} else {
				res.CacheMisses++
			}
			for _, tool := range tools {
				res.Tools[tool.Descriptor.Name] = tool
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	l.logger.Debug("scan complete",
		"tools", len(res.Tools),
		"errors", len(res.Errors),
		"cache_hits", res.CacheHits,
		"cache_misses", res.CacheMisses)
	return res, nil
}

// loadPlugin produces the tools of one plugin directory, from cache
// when valid, otherwise through a fresh environment + introspection
// cycle. The bool reports whether the cache served the descriptors.
func (l *Loader) loadPlugin(ctx context.Context, dir string) ([]LoadedTool, bool, error) {
	name := filepath.Base(dir)

	entry := filepath.Join(dir, toolenv.EntryFileName)
	if _, err := os.Stat(entry); err != nil {
		return nil, false, fmt.Errorf("no %s found in %s", toolenv.EntryFileName, dir)
	}

	if descs, ok := l.cache.Lookup(dir); ok {
		if interp, err := l.envs.InterpreterPath(dir); err == nil {
			tools, err := l.buildTools(dir, interp, descs)
			if err == nil {
				l.logger.Debug("cache hit", "plugin", name, "tools", len(descs))
				return tools, true, nil
			}
		}
		// Environment vanished underneath a valid cache entry; fall
		// through to a full reload.
	}

	l.logger.Info("loading plugin", "plugin", name)
	if _, err := l.envs.Ensure(ctx, dir); err != nil {
		return nil, false, err
	}
	install, err := l.envs.InstallRequirements(ctx, dir)
	if err != nil {
		return nil, false, err
	}
	if !install.Success {
		return nil, false, fmt.Errorf("installing requirements for %s: %s", name, install.Message)
	}

	interp, err := l.envs.InterpreterPath(dir)
	if err != nil {
		return nil, false, err
	}

	absEntry, err := filepath.Abs(entry)
	if err != nil {
		return nil, false, err
	}
	descs, err := worker.RunIntrospection(ctx, interp, l.scripts.IntrospectPath, absEntry, name, l.introspectTimeout)
	if err != nil {
		return nil, false, err
	}

	l.cache.Update(dir, descs)
	tools, err := l.buildTools(dir, interp, descs)
	if err != nil {
		return nil, false, err
	}
	l.logger.Info("plugin loaded", "plugin", name, "tools", len(descs))
	return tools, false, nil
}

func (l *Loader) buildTools(dir, interpreter string, descs []catalog.Descriptor) ([]LoadedTool, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	plugin := filepath.Base(abs)

	tools := make([]LoadedTool, 0, len(descs))
	for _, desc := range descs {
		proxy := &Proxy{
			Descriptor:  desc,
			Dir:         abs,
			Interpreter: interpreter,
			scriptPath:  l.scripts.ExecutePath,
			timeout:     l.execTimeout,
			limiter:     l.limiters.limiter(plugin),
		}
		tools = append(tools, LoadedTool{
			Descriptor:  desc,
			Proxy:       proxy,
			Dir:         abs,
			Interpreter: interpreter,
		})
	}
	return tools, nil
}

// Reconcile synchronizes the registry with a scan result. Loaded
// tools are re-added so the registry adopts the current proxy and
// schema. Registered qualified names absent from the result are
// removed — scoped to one plugin for targeted refreshes — except
// names belonging to plugins that failed this cycle, which survive.
// Returns the diff recorded by the change tracker.
func (l *Loader) Reconcile(res *ScanResult, scope string) catalog.Diff {
	l.mu.Lock()
	defer l.mu.Unlock()

	failed := make(map[string]bool, len(res.Errors))
	for _, le := range res.Errors {
		failed[le.Plugin] = true
	}

	for name, tool := range res.Tools {
		if _, ok := l.registered[name]; ok {
			l.registry.DeleteTools(name)
		}
		l.registry.AddTool(l.mcpTool(tool.Descriptor), l.handlerFor(tool.Proxy))
		l.registered[name] = tool.Descriptor
		l.proxies[name] = tool.Proxy
	}

	for name := range l.registered {
		if _, ok := res.Tools[name]; ok {
			continue
		}
		plugin := catalog.PluginOf(name)
		if failed[plugin] {
			continue
		}
		if scope != "" && plugin != scope {
			continue
		}
		l.registry.DeleteTools(name)
		delete(l.registered, name)
		delete(l.proxies, name)
	}

	snapshot := make(catalog.Snapshot, len(l.registered))
	for name, desc := range l.registered {
		snapshot[name] = desc
	}
	diff := l.tracker.Record(snapshot)
	if !diff.Empty() {
		l.logger.Info("registry reconciled",
			"added", len(diff.Added),
			"removed", len(diff.Removed),
			"modified", len(diff.Modified))
	}
	return diff
}

// Refresh is a scan followed by a reconcile scoped to the target.
func (l *Loader) Refresh(ctx context.Context, target string) (catalog.Diff, *ScanResult, error) {
	res, err := l.ScanAndLoad(ctx, target)
	if err != nil {
		return catalog.Diff{}, nil, err
	}
	return l.Reconcile(res, target), res, nil
}

// Snapshot returns the current registered qualified names and their
// descriptors.
func (l *Loader) Snapshot() catalog.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(catalog.Snapshot, len(l.registered))
	for name, desc := range l.registered {
		out[name] = desc
	}
	return out
}

// mcpTool converts a descriptor into the registry's tool form using
// the introspector-produced schema verbatim.
func (l *Loader) mcpTool(desc catalog.Descriptor) mcp.Tool {
	return mcp.NewToolWithRawSchema(desc.Name, desc.Description, desc.SchemaJSON())
}

// handlerFor adapts a proxy into a registry tool handler. Request
// arguments become keyword arguments; positional arguments are not
// used on the registry path.
func (l *Loader) handlerFor(proxy *Proxy) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := proxy.Call(ctx, nil, request.GetArguments())
		if err != nil {
			if errors.Is(err, worker.ErrTimeout) {
				return mcp.NewToolResultError(fmt.Sprintf("tool %s execution timeout (>%s)", proxy.Descriptor.Name, proxy.timeout)), nil
			}
			var execErr *worker.ExecError
			if errors.As(err, &execErr) {
				return mcp.NewToolResultError(fmt.Sprintf("tool execution error: %s", execErr.Error())), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(renderResult(result)), nil
	}
}

// renderResult turns a worker result into the registry's text form:
// strings pass through, everything else is JSON-encoded.
func renderResult(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
