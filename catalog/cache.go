package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// trackedFileNames are the files whose modification times gate cache
// validity for a plugin directory.
var trackedFileNames = []string{"tool.py", "requirements.txt"}

type cacheEntry struct {
	descriptors []Descriptor
	fileMtimes  map[string]time.Time
	lastLoaded  time.Time
}

// Cache memoizes introspection output per plugin directory, keyed by
// the modification times of the tracked files observed when the
// output was produced. A hit must never return descriptors for a
// function no longer present in the source, so validity checks both
// mtime advance and tracked-file-set change.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

// trackedFiles stats the tracked files currently present in dir.
func trackedFiles(dir string) map[string]time.Time {
	info := make(map[string]time.Time)
	for _, name := range trackedFileNames {
		st, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		info[name] = st.ModTime()
	}
	return info
}

// Lookup returns the cached descriptors for the plugin directory if
// the entry is still valid. Validity requires the on-disk tracked
// file set to match the recorded set exactly, with no file modified
// since the entry was stored.
func (c *Cache) Lookup(dir string) ([]Descriptor, bool) {
	name := filepath.Base(dir)

	c.mu.Lock()
	entry, ok := c.entries[name]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	current := trackedFiles(dir)
	for file, mtime := range current {
		recorded, ok := entry.fileMtimes[file]
		if !ok {
			return nil, false // new tracked file appeared
		}
		if mtime.After(recorded) {
			return nil, false
		}
	}
	for file := range entry.fileMtimes {
		if _, ok := current[file]; !ok {
			return nil, false // tracked file deleted
		}
	}

	descs := make([]Descriptor, len(entry.descriptors))
	copy(descs, entry.descriptors)
	return descs, true
}

// Update replaces the entry for the plugin directory using the
// current on-disk mtimes and the current time.
func (c *Cache) Update(dir string, descriptors []Descriptor) {
	name := filepath.Base(dir)
	stored := make([]Descriptor, len(descriptors))
	copy(stored, descriptors)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = cacheEntry{
		descriptors: stored,
		fileMtimes:  trackedFiles(dir),
		lastLoaded:  time.Now(),
	}
}

// Invalidate drops the entry for a plugin name. Returns false when no
// entry existed.
func (c *Cache) Invalidate(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; !ok {
		return false
	}
	delete(c.entries, name)
	return true
}

// Clear drops every entry and returns the number removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]cacheEntry)
	return n
}

// EntryStats summarizes one cached plugin for diagnostics.
type EntryStats struct {
	Tools        int       `json:"tools"`
	LastLoaded   time.Time `json:"last_loaded"`
	TrackedFiles []string  `json:"tracked_files"`
}

// Stats returns per-plugin cache statistics keyed by plugin name.
func (c *Cache) Stats() map[string]EntryStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := make(map[string]EntryStats, len(c.entries))
	for name, entry := range c.entries {
		files := make([]string, 0, len(entry.fileMtimes))
		for file := range entry.fileMtimes {
			files = append(files, file)
		}
		sort.Strings(files)
		stats[name] = EntryStats{
			Tools:        len(entry.descriptors),
			LastLoaded:   entry.lastLoaded,
			TrackedFiles: files,
		}
	}
	return stats
}
