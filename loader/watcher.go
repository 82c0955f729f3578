package loader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/toolsmith-hq/toolsmith/catalog"
	"github.com/toolsmith-hq/toolsmith/toolenv"
)

// Watcher invalidates cache entries when plugin files change on
// disk, so the next list or call refresh reloads promptly instead of
// waiting for an mtime comparison. It is an optimization layered on
// top of the cache's validity predicate, not a replacement for it.
type Watcher struct {
	root     string
	cache    *catalog.Cache
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
}

// NewWatcher creates a watcher over the plugin root.
func NewWatcher(root string, cache *catalog.Cache, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     root,
		cache:    cache,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]bool),
	}
}

// Run watches until the context is cancelled. The plugin root and
// every plugin directory are watched; managed environment
// directories are not, since the manager is their only writer.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.root); err != nil {
		return err
	}
	dirs, err := PluginDirs(w.root)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn("watching plugin dir failed", "dir", dir, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			plugin, ok := w.pluginFor(event.Name)
			if !ok {
				continue
			}
			// Newly created plugin directories join the watch set.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			w.queue(plugin)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// pluginFor maps an event path to the plugin it belongs to, dropping
// events inside managed environments and ignored directories.
func (w *Watcher) pluginFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	plugin := parts[0]
	if !catalog.ValidPluginName(plugin) {
		return "", false
	}
	for _, part := range parts[1:] {
		if part == toolenv.VenvDirName || part == "__pycache__" {
			return "", false
		}
	}
	return plugin, true
}

// queue schedules a debounced invalidation for a plugin.
func (w *Watcher) queue(plugin string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[plugin] = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	for plugin := range pending {
		if w.cache.Invalidate(plugin) {
			w.logger.Debug("cache invalidated by file change", "plugin", plugin)
		}
	}
}
