package content

import (
	"context"
	"fmt"

	"github.com/harun/frameloader/pkg/channel"
	"github.com/harun/frameloader/pkg/loader"
)

// methods returns what the controller may call on the agent.
func (a *Agent) methods() channel.Methods {
	return channel.Methods{
		"run":         channel.Concurrent(a.run),
		"require":     channel.Concurrent(a.require),
		"waitFor":     channel.Concurrent(a.waitFor),
		"inject":      channel.Concurrent(a.inject),
		"shimRequire": channel.Inline(a.shimRequire),
		"debug":       channel.Inline(a.setDebug),
	}
}

// moduleLoader blocks until a module loader is installed.
func (a *Agent) moduleLoader(ctx context.Context) (ModuleLoader, error) {
	select {
	case <-a.ready:
		return a.modules, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) installLoader(l ModuleLoader) {
	a.readyOnce.Do(func() {
		a.modules = l
		close(a.ready)
	})
}

func (a *Agent) run(ctx context.Context, call *channel.Call) (any, error) {
	var source string
	if err := call.Arg(0, &source); err != nil {
		return nil, err
	}
	var args []any
	if len(call.Args) > 1 {
		if err := call.Arg(1, &args); err != nil {
			return nil, err
		}
	}
	if _, err := a.moduleLoader(ctx); err != nil {
		return nil, err
	}
	return a.eval(ctx, source, args)
}

// eval runs one procedure at a time; they share the global object.
func (a *Agent) eval(ctx context.Context, source string, args []any) (any, error) {
	a.evalMu.Lock()
	defer a.evalMu.Unlock()
	return a.opts.Evaluator.Eval(ctx, source, a.globals, args)
}

func (a *Agent) require(ctx context.Context, call *channel.Call) (any, error) {
	var modules loader.Modules
	if err := call.Arg(0, &modules); err != nil {
		return nil, err
	}
	l, err := a.moduleLoader(ctx)
	if err != nil {
		return nil, err
	}
	return l.Require(ctx, moduleIDs(l, modules))
}

func (a *Agent) waitFor(ctx context.Context, call *channel.Call) (any, error) {
	var name string
	if err := call.Arg(0, &name); err != nil {
		return nil, err
	}
	state, err := ParseReadyState(name)
	if err != nil {
		return nil, err
	}
	if a.opts.Document == nil {
		return nil, nil
	}
	return nil, WaitReady(ctx, a.opts.Document, state)
}

// inject evaluates a resource the controller placed into the context.
// Injecting RequireResource installs the configured module loader.
func (a *Agent) inject(ctx context.Context, call *channel.Call) (any, error) {
	var resource, source string
	if err := call.Arg(0, &resource); err != nil {
		return nil, err
	}
	if err := call.Arg(1, &source); err != nil {
		return nil, err
	}

	if resource == a.opts.RequireResource && a.opts.Modules != nil {
		a.installLoader(a.opts.Modules)
		return nil, nil
	}
	if _, err := a.eval(ctx, source, nil); err != nil {
		return nil, fmt.Errorf("%s: %w", resource, err)
	}
	return nil, nil
}

func (a *Agent) shimRequire(context.Context, *channel.Call) (any, error) {
	a.installLoader(newShimLoader(a))
	return nil, nil
}

func (a *Agent) setDebug(_ context.Context, call *channel.Call) (any, error) {
	var on bool
	if err := call.Arg(0, &on); err != nil {
		return nil, err
	}
	a.debug.Store(on)
	if on {
		a.logger.Info().Msg("Debug enabled")
	}
	return nil, nil
}
