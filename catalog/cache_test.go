package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePluginFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testDescriptors(plugin string) []Descriptor {
	return []Descriptor{{
		Name:           Qualify(plugin, "add"),
		Description:    "Add two numbers",
		FunctionName:   "add",
		ToolNamePrefix: plugin,
	}}
}

func TestCache_MissWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	writePluginFile(t, dir, "tool.py", "def add(a, b): return a + b\n")

	c := NewCache()
	if _, ok := c.Lookup(dir); ok {
		t.Error("empty cache should miss")
	}
}

func TestCache_HitAfterUpdate(t *testing.T) {
	dir := t.TempDir()
	writePluginFile(t, dir, "tool.py", "def add(a, b): return a + b\n")

	c := NewCache()
	c.Update(dir, testDescriptors(filepath.Base(dir)))

	descs, ok := c.Lookup(dir)
	if !ok {
		t.Fatal("expected cache hit after update")
	}
	if len(descs) != 1 || descs[0].FunctionName != "add" {
		t.Errorf("unexpected descriptors: %+v", descs)
	}
}

func TestCache_MissAfterModification(t *testing.T) {
	dir := t.TempDir()
	entry := writePluginFile(t, dir, "tool.py", "def add(a, b): return a + b\n")

	c := NewCache()
	c.Update(dir, testDescriptors(filepath.Base(dir)))

	// Advance the mtime past the recorded one.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(entry, future, future); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Lookup(dir); ok {
		t.Error("expected cache miss after tool.py modification")
	}
}

func TestCache_MissAfterTrackedFileAdded(t *testing.T) {
	dir := t.TempDir()
	writePluginFile(t, dir, "tool.py", "def add(a, b): return a + b\n")

	c := NewCache()
	c.Update(dir, testDescriptors(filepath.Base(dir)))

	// A manifest appearing changes the tracked file set.
	writePluginFile(t, dir, "requirements.txt", "requests\n")

	if _, ok := c.Lookup(dir); ok {
		t.Error("expected cache miss after requirements.txt appeared")
	}
}

func TestCache_MissAfterTrackedFileDeleted(t *testing.T) {
	dir := t.TempDir()
	writePluginFile(t, dir, "tool.py", "def add(a, b): return a + b\n")
	req := writePluginFile(t, dir, "requirements.txt", "requests\n")

	c := NewCache()
	c.Update(dir, testDescriptors(filepath.Base(dir)))

	if err := os.Remove(req); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Lookup(dir); ok {
		t.Error("expected cache miss after requirements.txt deleted")
	}
}

func TestCache_Invalidate(t *testing.T) {
	dir := t.TempDir()
	writePluginFile(t, dir, "tool.py", "def add(a, b): return a + b\n")
	name := filepath.Base(dir)

	c := NewCache()
	c.Update(dir, testDescriptors(name))

	if !c.Invalidate(name) {
		t.Error("Invalidate() = false for existing entry")
	}
	if c.Invalidate(name) {
		t.Error("Invalidate() = true for absent entry")
	}
	if _, ok := c.Lookup(dir); ok {
		t.Error("expected miss after invalidation")
	}
}

func TestCache_Clear(t *testing.T) {
	dir := t.TempDir()
	writePluginFile(t, dir, "tool.py", "def add(a, b): return a + b\n")

	c := NewCache()
	c.Update(dir, testDescriptors(filepath.Base(dir)))

	if n := c.Clear(); n != 1 {
		t.Errorf("Clear() = %d, want 1", n)
	}
	if len(c.Stats()) != 0 {
		t.Error("stats should be empty after clear")
	}
}

func TestCache_Stats(t *testing.T) {
	dir := t.TempDir()
	writePluginFile(t, dir, "tool.py", "def add(a, b): return a + b\n")
	writePluginFile(t, dir, "requirements.txt", "requests\n")
	name := filepath.Base(dir)

	c := NewCache()
	c.Update(dir, testDescriptors(name))

	stats := c.Stats()
	entry, ok := stats[name]
	if !ok {
		t.Fatalf("no stats entry for %s", name)
	}
	if entry.Tools != 1 {
		t.Errorf("Tools = %d, want 1", entry.Tools)
	}
	if len(entry.TrackedFiles) != 2 {
		t.Errorf("TrackedFiles = %v, want tool.py and requirements.txt", entry.TrackedFiles)
	}
	if entry.LastLoaded.IsZero() {
		t.Error("LastLoaded should be set")
	}
}

func TestCache_LookupReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	writePluginFile(t, dir, "tool.py", "def add(a, b): return a + b\n")

	c := NewCache()
	c.Update(dir, testDescriptors(filepath.Base(dir)))

	descs, ok := c.Lookup(dir)
	if !ok {
		t.Fatal("expected hit")
	}
	descs[0].Name = "mutated"

	again, _ := c.Lookup(dir)
	if again[0].Name == "mutated" {
		t.Error("Lookup must return a copy, not the cached slice")
	}
}
