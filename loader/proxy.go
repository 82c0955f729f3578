// Package loader discovers plugins under the plugin root, drives the
// environment manager and introspection workers to build tool
// proxies, and reconciles them against the outward registry.
package loader

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/toolsmith-hq/toolsmith/catalog"
	"github.com/toolsmith-hq/toolsmith/worker"
)

// Proxy is an immutable in-process handle for one plugin function.
// Calling it spawns a fresh execution worker inside the plugin's
// environment and marshals arguments and result across the process
// boundary. Proxies carry no state beyond their bindings and are
// freely replaceable when the loader reconciles the registry.
type Proxy struct {
	Descriptor  catalog.Descriptor
	Dir         string // absolute plugin directory
	Interpreter string // sandboxed interpreter path

	scriptPath string
	timeout    time.Duration
	limiter    *rate.Limiter
}

// Call invokes the bound function with positional and keyword
// arguments. It blocks until the worker finishes or the proxy's time
// bound (60 s by default) is breached, in which case the child is killed and
// worker.ErrTimeout is returned. Worker-reported failures surface as
// *worker.ExecError; stdout that is not valid JSON is returned
// verbatim.
func (p *Proxy) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if args == nil {
		args = []any{}
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	params := worker.ExecParams{
		ModulePath:   "tool.py", // relative: the worker runs in the plugin dir
		FunctionName: p.Descriptor.FunctionName,
		Args:         args,
		Kwargs:       kwargs,
	}
	return worker.RunExecution(ctx, p.Interpreter, p.scriptPath, p.Dir, params, p.timeout)
}
