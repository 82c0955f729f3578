// Package worker embeds the Python worker scripts and runs them as
// short-lived child processes inside a plugin's isolated environment.
// Introspection children emit tool descriptors; execution children
// invoke one function. Both speak single-line JSON on stdout.
package worker

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/toolsmith-hq/toolsmith/catalog"
)

//go:embed scripts/introspect.py scripts/execute.py
var scriptsFS embed.FS

// DefaultIntrospectTimeout bounds one introspection child.
const DefaultIntrospectTimeout = 60 * time.Second

// DefaultExecTimeout bounds one execution child.
const DefaultExecTimeout = 60 * time.Second

// ErrTimeout is returned when a worker child exceeds its time bound.
// The child is killed before the error is surfaced.
var ErrTimeout = errors.New("worker timed out")

// ExecError is a failure reported by the execution worker itself:
// the plugin function raised, or could not be resolved.
type ExecError struct {
	Message   string
	Traceback string
}

func (e *ExecError) Error() string {
	if e.Traceback == "" {
		return e.Message
	}
	return e.Message + "\n" + e.Traceback
}

// Scripts holds the on-disk paths of the materialized worker scripts.
// The scripts are written once at startup; plugin environments only
// need a working interpreter and the standard library to run them.
type Scripts struct {
	IntrospectPath string
	ExecutePath    string
}

// Materialize writes the embedded worker scripts into dir, creating
// it if needed, and returns their paths.
func Materialize(dir string) (*Scripts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worker script dir: %w", err)
	}
	s := &Scripts{
		IntrospectPath: filepath.Join(dir, "introspect.py"),
		ExecutePath:    filepath.Join(dir, "execute.py"),
	}
	for name, dst := range map[string]string{
		"scripts/introspect.py": s.IntrospectPath,
		"scripts/execute.py":    s.ExecutePath,
	} {
		data, err := scriptsFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("reading embedded %s: %w", name, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", dst, err)
		}
	}
	return s, nil
}

type introspectOutput struct {
	Tools     []catalog.Descriptor `json:"tools"`
	Error     string               `json:"error"`
	Traceback string               `json:"traceback"`
}

// RunIntrospection launches an introspection child with the plugin's
// interpreter and returns the descriptors it reports. Any failure —
// non-zero exit, timeout, unparseable output, or an error payload —
// is a plugin-level error, not an invocation error.
func RunIntrospection(ctx context.Context, interpreter, scriptPath, modulePath, prefix string, timeout time.Duration) ([]catalog.Descriptor, error) {
	if timeout <= 0 {
		timeout = DefaultIntrospectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter, scriptPath, modulePath, prefix)
	cmd.WaitDelay = time.Second // after a kill, stop waiting on pipes held by descendants
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("introspecting %s: %w", modulePath, ErrTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("introspection worker failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	var out introspectOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("unparseable introspection output: %v: %q", err, truncateForError(stdout.String()))
	}
	if out.Error != "" {
		if out.Traceback != "" {
			return nil, fmt.Errorf("introspection error: %s\n%s", out.Error, out.Traceback)
		}
		return nil, fmt.Errorf("introspection error: %s", out.Error)
	}
	return out.Tools, nil
}

// ExecParams is the single JSON argument handed to an execution child.
type ExecParams struct {
	ModulePath   string         `json:"module_path"`
	FunctionName string         `json:"function_name"`
	Args         []any          `json:"args"`
	Kwargs       map[string]any `json:"kwargs"`
}

type execOutput struct {
	Success   bool   `json:"success"`
	Result    any    `json:"result"`
	Error     string `json:"error"`
	Traceback string `json:"traceback"`
}

// RunExecution launches an execution child in the plugin directory
// and returns the function's result. On timeout the child is killed
// and ErrTimeout is returned; worker-reported failures surface as
// *ExecError. Output that is not valid JSON is returned verbatim as
// a diagnostic passthrough.
func RunExecution(ctx context.Context, interpreter, scriptPath, pluginDir string, params ExecParams, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding execution parameters: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	invocation := uuid.NewString()
	slog.Debug("spawning execution worker",
		"invocation", invocation,
		"function", params.FunctionName,
		"dir", pluginDir)

	cmd := exec.CommandContext(ctx, interpreter, scriptPath, string(payload))
	cmd.Dir = pluginDir
	cmd.Env = append(os.Environ(), "PYTHONPATH="+pluginDir)
	cmd.WaitDelay = time.Second // after a kill, stop waiting on pipes held by descendants
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		slog.Warn("execution worker timed out",
			"invocation", invocation,
			"function", params.FunctionName,
			"timeout", timeout)
		return nil, fmt.Errorf("executing %s: %w", params.FunctionName, ErrTimeout)
	}

	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		if runErr != nil {
			return nil, &ExecError{Message: fmt.Sprintf("execution worker failed: %v: %s", runErr, strings.TrimSpace(stderr.String()))}
		}
		// Diagnostic passthrough for plugins that print raw text.
		return stdout.String(), nil
	}

	slog.Debug("execution worker finished",
		"invocation", invocation,
		"function", params.FunctionName,
		"success", out.Success,
		"elapsed", time.Since(start))

	if !out.Success {
		return nil, &ExecError{Message: out.Error, Traceback: out.Traceback}
	}
	return out.Result, nil
}

func truncateForError(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
