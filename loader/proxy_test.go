package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/toolsmith-hq/toolsmith/catalog"
	"github.com/toolsmith-hq/toolsmith/worker"
)

func newTestProxy(t *testing.T, interpreterBody string, timeout time.Duration) *Proxy {
	t.Helper()
	dir := t.TempDir()
	interp := filepath.Join(t.TempDir(), "python")
	if err := os.WriteFile(interp, []byte("#!/bin/sh\n"+interpreterBody+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return &Proxy{
		Descriptor: catalog.Descriptor{
			Name:           "calc-add",
			FunctionName:   "add",
			ToolNamePrefix: "calc",
		},
		Dir:         dir,
		Interpreter: interp,
		scriptPath:  "execute.py",
		timeout:     timeout,
	}
}

func TestProxy_Call_Success(t *testing.T) {
	p := newTestProxy(t, `echo '{"success":true,"result":5}'`, time.Second)

	result, err := p.Call(context.Background(), nil, map[string]any{"a": 2, "b": 3})
	if err != nil {
		t.Fatalf("Call() error: %v", err)
	}
	if n, ok := result.(float64); !ok || n != 5 {
		t.Errorf("result = %v, want 5", result)
	}
}

func TestProxy_Call_ExecutionError(t *testing.T) {
	p := newTestProxy(t, `echo '{"success":false,"error":"boom","traceback":"tb"}'`, time.Second)

	_, err := p.Call(context.Background(), nil, nil)
	var execErr *worker.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *worker.ExecError", err)
	}
	if execErr.Message != "boom" {
		t.Errorf("Message = %q", execErr.Message)
	}
}

func TestProxy_Call_Timeout(t *testing.T) {
	p := newTestProxy(t, `sleep 5`, 100*time.Millisecond)

	_, err := p.Call(context.Background(), nil, nil)
	if !errors.Is(err, worker.ErrTimeout) {
		t.Fatalf("error = %v, want worker.ErrTimeout", err)
	}
}

func TestProxy_Call_RateLimited(t *testing.T) {
	p := newTestProxy(t, `echo '{"success":true,"result":1}'`, time.Second)
	// One token, no refill worth speaking of: the second call must
	// block until the context expires.
	p.limiter = rate.NewLimiter(rate.Limit(0.01), 1)

	if _, err := p.Call(context.Background(), nil, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Call(ctx, nil, nil); err == nil {
		t.Fatal("second call should be rate limited")
	}
}

func TestCallLimiters(t *testing.T) {
	disabled := newCallLimiters(0)
	if disabled.limiter("calc") != nil {
		t.Error("limiter should be nil when disabled")
	}

	enabled := newCallLimiters(60)
	a := enabled.limiter("calc")
	if a == nil {
		t.Fatal("limiter should be created")
	}
	if enabled.limiter("calc") != a {
		t.Error("same plugin must share one limiter")
	}
	if enabled.limiter("weather") == a {
		t.Error("different plugins must not share limiters")
	}
}
