package server

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestDynamicRefresh_QualifiedNameTriggersTargetedRefresh(t *testing.T) {
	s := newTestServer(t)
	dir := writePlugin(t, s, "calc", "def add(a, b):\n    return a + b\n")
	if _, _, err := s.loader.Refresh(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	// The plugin gains a function on disk; the middleware must pick
	// it up before dispatch.
	writeEntry(t, dir, "def add(a, b):\n    return a + b\n\ndef mul(a, b):\n    return a * b\n")

	called := false
	next := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		called = true
		return mcp.NewToolResultText("ok"), nil
	}

	req := makeToolRequest(t, "calc-mul", map[string]any{"a": 2, "b": 3})
	result, err := s.dynamicRefresh(next)(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("middleware must forward to the next handler")
	}
	if result.IsError {
		t.Fatalf("result = %s", toolResultText(result))
	}

	if _, ok := s.loader.Snapshot()["calc-mul"]; !ok {
		t.Error("targeted refresh should have registered calc-mul before dispatch")
	}
}

func TestDynamicRefresh_UnqualifiedNamePassesThrough(t *testing.T) {
	s := newTestServer(t)
	writePlugin(t, s, "calc", "def add(a, b):\n    return a + b\n")

	next := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("ok"), nil
	}

	req := makeToolRequest(t, "refresh_tools", nil)
	if _, err := s.dynamicRefresh(next)(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	// No scan ran: the plugin was never discovered.
	if len(s.loader.Snapshot()) != 0 {
		t.Error("unqualified call must not trigger discovery")
	}
}

func TestDynamicRefresh_FailedRefreshFallsThrough(t *testing.T) {
	s := newTestServer(t)
	dir := writePlugin(t, s, "calc", "def add(a, b):\n    return a + b\n")
	if _, _, err := s.loader.Refresh(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	// Break the plugin so its targeted refresh reports a load error.
	writeEntry(t, dir, "raise RuntimeError('no')\n")

	called := false
	next := func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		called = true
		return mcp.NewToolResultText("survived"), nil
	}

	req := makeToolRequest(t, "calc-add", map[string]any{"a": 1, "b": 2})
	result, err := s.dynamicRefresh(next)(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("failed refresh must fall through to the registered handler")
	}
	if toolResultText(result) != "survived" {
		t.Errorf("result = %s", toolResultText(result))
	}
	if _, ok := s.loader.Snapshot()["calc-add"]; !ok {
		t.Error("previously registered tool must survive a failed refresh")
	}
}

func TestPreview(t *testing.T) {
	if got := preview(nil); got != "" {
		t.Errorf("preview(nil) = %q", got)
	}
	short := mcp.NewToolResultText("hello")
	if got := preview(short); got != "hello" {
		t.Errorf("preview = %q", got)
	}
	long := mcp.NewToolResultText(strings.Repeat("x", 500))
	got := preview(long)
	if len(got) != 103 || !strings.HasSuffix(got, "...") {
		t.Errorf("preview length = %d (%q...)", len(got), got[:20])
	}
}

func TestHooks_BeforeListRefreshes(t *testing.T) {
	s := newTestServer(t)
	writePlugin(t, s, "calc", "def add(a, b):\n    return a + b\n")

	hooks := s.hooks()
	if len(hooks.OnBeforeListTools) != 1 {
		t.Fatalf("OnBeforeListTools hooks = %d, want 1", len(hooks.OnBeforeListTools))
	}
	hooks.OnBeforeListTools[0](context.Background(), 1, &mcp.ListToolsRequest{})

	if _, ok := s.loader.Snapshot()["calc-add"]; !ok {
		t.Error("before-list hook must run a full refresh")
	}
}
