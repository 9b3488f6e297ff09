package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/frameloader/pkg/channel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testRoot    = "app://frameloader/"
	testContent = "/content.js"
)

// fakeHost connects a fakeAgent whenever the content resource is injected.
type fakeHost struct {
	reg *Registry

	mu        sync.Mutex
	injected  []string
	failures  int
	incognito map[string]bool
	targets   []TargetInfo
	frames    map[string][]FrameInfo
	agents    map[SessionID][]*fakeAgent
	gate      chan struct{}
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		incognito: make(map[string]bool),
		frames:    make(map[string][]FrameInfo),
		agents:    make(map[SessionID][]*fakeAgent),
	}
}

func (h *fakeHost) Inject(_ context.Context, id SessionID, resource string) error {
	h.mu.Lock()
	h.injected = append(h.injected, id.String()+" "+resource)
	fail := resource == testContent && h.failures > 0
	if fail {
		h.failures--
	}
	h.mu.Unlock()

	if fail {
		return errors.New("cannot access contents of the page")
	}
	if resource == testContent {
		h.connect(id)
	}
	return nil
}

func (h *fakeHost) Targets(context.Context) ([]TargetInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TargetInfo(nil), h.targets...), nil
}

func (h *fakeHost) Frames(_ context.Context, target string) ([]FrameInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	frames, ok := h.frames[target]
	if !ok {
		return nil, fmt.Errorf("no target %s", target)
	}
	return append([]FrameInfo(nil), frames...), nil
}

func (h *fakeHost) addTarget(id string, incognito bool, frames ...FrameInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets = append(h.targets, TargetInfo{ID: id, Incognito: incognito})
	h.incognito[id] = incognito
	h.frames[id] = frames
}

// connect starts a new agent for id, as a reloaded context would.
func (h *fakeHost) connect(id SessionID) *fakeAgent {
	h.mu.Lock()
	incognito := h.incognito[id.Target]
	gate := h.gate
	h.mu.Unlock()

	controllerEnd, contextEnd := channel.NewPipe()
	agent := newFakeAgent(contextEnd, gate)

	h.mu.Lock()
	h.agents[id] = append(h.agents[id], agent)
	h.mu.Unlock()

	_, _ = h.reg.Connect(controllerEnd, ConnectInfo{
		Target:    id.Target,
		Frame:     id.Frame,
		Incognito: incognito,
		Name:      DefaultPortName,
	})
	return agent
}

func (h *fakeHost) agent(id SessionID, n int) *fakeAgent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n >= len(h.agents[id]) {
		return nil
	}
	return h.agents[id][n]
}

func (h *fakeHost) injections() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.injected...)
}

// fakeAgent plays the context side and records the calls it receives.
type fakeAgent struct {
	ch   *channel.Channel
	gate chan struct{}

	mu    sync.Mutex
	calls []string
}

func newFakeAgent(port channel.Port, gate chan struct{}) *fakeAgent {
	a := &fakeAgent{gate: gate}
	ch, err := channel.New(port, channel.Methods{
		"require": channel.Concurrent(func(ctx context.Context, call *channel.Call) (any, error) {
			var modules Modules
			if err := call.Arg(0, &modules); err != nil {
				return nil, err
			}
			raw, _ := json.Marshal(modules)
			a.record("require " + string(raw))
			if a.gate != nil {
				select {
				case <-a.gate:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return modules.Len(), nil
		}),
		"run": channel.Concurrent(func(_ context.Context, call *channel.Call) (any, error) {
			var source string
			if err := call.Arg(0, &source); err != nil {
				return nil, err
			}
			a.record("run " + source)
			if source == "throw" {
				return nil, &channel.RemoteError{Name: "TypeError", Message: "x is not a function"}
			}
			return "ran " + source, nil
		}),
		"shimRequire": channel.Inline(func(context.Context, *channel.Call) (any, error) {
			a.record("shimRequire")
			return nil, nil
		}),
		"debug": channel.Inline(func(_ context.Context, call *channel.Call) (any, error) {
			var on bool
			_ = call.Arg(0, &on)
			a.record(fmt.Sprintf("debug %v", on))
			return nil, nil
		}),
	}, channel.Options{Name: "agent"})
	if err != nil {
		panic(err)
	}
	a.ch = ch
	return a
}

func (a *fakeAgent) record(call string) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()
}

func (a *fakeAgent) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type mapResources map[string]string

func (m mapResources) ReadFile(path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("%s: file does not exist", path)
	}
	return []byte(data), nil
}

func newTestRegistry(t *testing.T, host *fakeHost, opts Options) *Registry {
	t.Helper()

	opts.Host = host
	opts.RootURL = testRoot
	opts.ContentResource = testContent
	opts.Logger = zerolog.Nop()
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 2 * time.Second
	}

	reg, err := NewRegistry(opts)
	require.NoError(t, err)
	host.reg = reg
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
