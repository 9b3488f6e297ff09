package content

import (
	"context"
	"sort"
	"sync"

	"github.com/harun/frameloader/pkg/loader"
	"golang.org/x/sync/errgroup"
)

// ModuleLoader loads modules by id inside the context.
type ModuleLoader interface {
	// Configure makes config[id] available to module id.
	Configure(config map[string]any)
	// Require loads ids and returns how many were loaded.
	Require(ctx context.Context, ids []string) (int, error)
}

// moduleIDs returns the ids modules names, configuring l first when modules
// is a keyed object.
func moduleIDs(l ModuleLoader, modules loader.Modules) []string {
	if modules.Config == nil {
		return modules.IDs
	}
	l.Configure(modules.Config)
	ids := make([]string, 0, len(modules.Config))
	for id := range modules.Config {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// shimLoader is the fallback module loader: every module is a script the
// controller injects from the root namespace.
type shimLoader struct {
	agent *Agent

	mu     sync.Mutex
	config map[string]any
}

func newShimLoader(a *Agent) *shimLoader {
	return &shimLoader{agent: a, config: make(map[string]any)}
}

func (l *shimLoader) Configure(config map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, v := range config {
		l.config[id] = v
	}
}

// Config returns the configuration given for module id.
func (l *shimLoader) Config(id string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.config[id]
	return v, ok
}

func (l *shimLoader) Require(ctx context.Context, ids []string) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		url := l.agent.opts.RootURL + id + ".js"
		g.Go(func() error {
			_, err := l.agent.ch.Request(ctx, "loadScript", url)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(ids), nil
}
