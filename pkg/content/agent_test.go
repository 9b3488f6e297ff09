package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/frameloader/internal/metrics"
	"github.com/harun/frameloader/pkg/channel"
	"github.com/harun/frameloader/pkg/loader"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoot = "app://frameloader/"

// controller plays the controller end and records the calls it serves.
type controller struct {
	ch   *channel.Channel
	port *channel.PipePort

	mu    sync.Mutex
	calls []string
}

func (c *controller) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *controller) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// echoEvaluator returns the source and its arguments.
var echoEvaluator = EvaluatorFunc(func(_ context.Context, source string, _ map[string]any, args []any) (any, error) {
	if source == "fail" {
		return nil, errors.New("procedure failed")
	}
	return fmt.Sprintf("%s%v", source, args), nil
})

func newTestAgent(t *testing.T, opts Options) (*Agent, *controller) {
	t.Helper()

	controllerEnd, contextEnd := channel.NewPipe()
	c := &controller{port: controllerEnd}
	ch, err := channel.New(controllerEnd, channel.Methods{
		"ping": channel.Inline(func(context.Context, *channel.Call) (any, error) {
			c.record("ping")
			return true, nil
		}),
		"loadScript": channel.Concurrent(func(_ context.Context, call *channel.Call) (any, error) {
			var url string
			if err := call.Arg(0, &url); err != nil {
				return nil, err
			}
			c.record("loadScript " + url)
			return true, nil
		}),
		"fetchResource": channel.Concurrent(func(_ context.Context, call *channel.Call) (any, error) {
			var url string
			if err := call.Arg(0, &url); err != nil {
				return nil, err
			}
			c.record("fetchResource " + url)
			return []byte("contents of " + url), nil
		}),
		"pagehide": channel.Inline(func(context.Context, *channel.Call) (any, error) {
			c.record("pagehide")
			return nil, nil
		}),
		"pageshow": channel.Inline(func(context.Context, *channel.Call) (any, error) {
			c.record("pageshow")
			return nil, nil
		}),
	}, channel.Options{Name: "controller"})
	require.NoError(t, err)
	c.ch = ch

	opts.RootURL = testRoot
	if opts.Evaluator == nil {
		opts.Evaluator = echoEvaluator
	}
	opts.Logger = zerolog.Nop()

	a, err := New(contextEnd, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = ch.Close()
	})
	return a, c
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitDone(t *testing.T, a *Agent) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not unload")
	}
}

func TestNew_RequiredOptions(t *testing.T) {
	_, contextEnd := channel.NewPipe()

	_, err := New(contextEnd, Options{Evaluator: echoEvaluator})
	assert.Error(t, err)

	_, err = New(contextEnd, Options{RootURL: testRoot})
	assert.Error(t, err)
}

func TestAgent_RunWaitsForModuleLoader(t *testing.T) {
	_, c := newTestAgent(t, Options{})
	ctx := waitCtx(t)

	type result struct {
		value string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := channel.RequestAs[string](ctx, c.ch, "run", "entry", []any{1, "a"})
		done <- result{v, err}
	}()

	select {
	case <-done:
		t.Fatal("run finished before a module loader was installed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, c.ch.Send("shimRequire"))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "entry[1 a]", res.value)
}

func TestAgent_RunFailureRejects(t *testing.T) {
	_, c := newTestAgent(t, Options{})
	require.NoError(t, c.ch.Send("shimRequire"))

	_, err := c.ch.Request(waitCtx(t), "run", "fail", []any{})
	var remote *channel.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "procedure failed", remote.Message)
}

func TestAgent_ShimRequireLoadsScriptsThroughController(t *testing.T) {
	a, c := newTestAgent(t, Options{})
	ctx := waitCtx(t)
	require.NoError(t, c.ch.Send("shimRequire"))

	n, err := channel.RequestAs[int](ctx, c.ch, "require", loader.ModuleIDs("a", "b/c"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{
		"loadScript " + testRoot + "a.js",
		"loadScript " + testRoot + "b/c.js",
	}, c.recorded())

	n, err = channel.RequestAs[int](ctx, c.ch, "require", loader.ModuleConfig(map[string]any{"cfg": map[string]any{"on": true}}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	config, ok := a.ModuleConfig("cfg")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"on": true}, config)
}

type countingLoader struct {
	mu     sync.Mutex
	loaded []string
}

func (l *countingLoader) Configure(map[string]any) {}

func (l *countingLoader) Require(_ context.Context, ids []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = append(l.loaded, ids...)
	return len(ids), nil
}

func TestAgent_InjectedRequireResourceInstallsLoader(t *testing.T) {
	modules := &countingLoader{}
	_, c := newTestAgent(t, Options{Modules: modules, RequireResource: "/require.js"})
	ctx := waitCtx(t)

	_, err := c.ch.Request(ctx, "inject", "/require.js", "")
	require.NoError(t, err)

	n, err := channel.RequestAs[int](ctx, c.ch, "require", loader.ModuleIDs("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"x"}, modules.loaded)
	assert.Empty(t, c.recorded())
}

func TestAgent_InjectEvaluatesOtherResources(t *testing.T) {
	var sources []string
	eval := EvaluatorFunc(func(_ context.Context, source string, this map[string]any, _ []any) (any, error) {
		sources = append(sources, source)
		this["loaded"] = true
		return nil, nil
	})
	a, c := newTestAgent(t, Options{Evaluator: eval})

	_, err := c.ch.Request(waitCtx(t), "inject", "/mod.js", "module source")
	require.NoError(t, err)
	assert.Equal(t, []string{"module source"}, sources)
	assert.Equal(t, true, a.Globals()["loaded"])
}

func TestAgent_WaitFor(t *testing.T) {
	doc := NewDocumentState()
	_, c := newTestAgent(t, Options{Document: doc})
	ctx := waitCtx(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.ch.Request(ctx, "waitFor", "interactive")
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("waitFor returned while loading")
	case <-time.After(50 * time.Millisecond):
	}
	doc.SetReadyState(Complete)
	require.NoError(t, <-done)

	_, err := c.ch.Request(ctx, "waitFor", "complete")
	assert.NoError(t, err)

	_, err = c.ch.Request(ctx, "waitFor", "unloaded")
	assert.Error(t, err)
}

func TestAgent_Debug(t *testing.T) {
	a, c := newTestAgent(t, Options{})
	assert.False(t, a.Debug())

	_, err := c.ch.Request(waitCtx(t), "debug", true)
	require.NoError(t, err)
	assert.True(t, a.Debug())
}

func TestAgent_PageHideAndShow(t *testing.T) {
	a, c := newTestAgent(t, Options{})
	ctx := waitCtx(t)

	require.NoError(t, a.PageHide(ctx))
	require.NoError(t, a.PageShow(ctx))
	assert.Equal(t, []string{"pagehide", "pageshow"}, c.recorded())
}

func TestAgent_ProbeWhileConnected(t *testing.T) {
	m := metrics.NewMetrics()
	a, c := newTestAgent(t, Options{Metrics: m})

	assert.False(t, a.Probe())
	assert.Eventually(t, func() bool { return len(c.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"ping"}, c.recorded())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProbesTotal.WithLabelValues("alive")))
	assert.False(t, a.Unloaded())
}

type countingHook struct {
	name     string
	detached *[]string
	mu       *sync.Mutex
}

func (h countingHook) Detach() {
	h.mu.Lock()
	*h.detached = append(*h.detached, h.name)
	h.mu.Unlock()
}

func TestAgent_OrphanedContextProbesOnceAndUnloadsOnce(t *testing.T) {
	m := metrics.NewMetrics()
	doc := NewDocumentState()
	a, c := newTestAgent(t, Options{Metrics: m, Document: doc, ProbeOnReinjection: true})

	var (
		mu       sync.Mutex
		detached []string
	)
	a.AddHook(countingHook{name: "fetch", detached: &detached, mu: &mu})
	a.AddHook(countingHook{name: "xhr", detached: &detached, mu: &mu})

	var unloads atomic.Int32
	a.OnUnload().Add(func(*Agent) { unloads.Add(1) })
	a.OnUnload().Add(func(*Agent) { panic("listener failure") })

	c.port.Break()

	doc.SetVisible(false)
	doc.SetVisible(true)
	waitDone(t, a)

	for i := 0; i < 5; i++ {
		doc.SetVisible(false)
		doc.SetVisible(true)
	}
	assert.True(t, a.Probe())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProbesTotal.WithLabelValues("orphaned")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ProbesTotal.WithLabelValues("alive")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TeardownsTotal))
	assert.Equal(t, int32(1), unloads.Load())

	mu.Lock()
	assert.Equal(t, []string{"xhr", "fetch"}, detached)
	mu.Unlock()

	assert.ErrorIs(t, a.PageShow(waitCtx(t)), ErrUnloaded)
	assert.Empty(t, c.recorded())
}

func TestAgent_VisibilityChangesReachController(t *testing.T) {
	doc := NewDocumentState()
	a, c := newTestAgent(t, Options{Document: doc})

	doc.SetVisible(false)
	doc.SetVisible(false)
	doc.SetVisible(true)
	assert.Equal(t, []string{"pagehide", "pageshow"}, c.recorded())

	require.NoError(t, a.Close())
	doc.SetVisible(false)
	assert.Equal(t, []string{"pagehide", "pageshow"}, c.recorded())
}

func TestAgent_ReinjectionMakesPreviousOccupantProbe(t *testing.T) {
	m := metrics.NewMetrics()
	bus := NewLocalBus()

	first, c1 := newTestAgent(t, Options{Metrics: m, Bus: bus, ProbeOnReinjection: true})
	c1.port.Break()

	second, c2 := newTestAgent(t, Options{Metrics: m, Bus: bus, ProbeOnReinjection: true})
	waitDone(t, first)
	assert.False(t, second.Unloaded())

	third, _ := newTestAgent(t, Options{Metrics: m, Bus: bus, ProbeOnReinjection: true})
	assert.Eventually(t, func() bool { return len(c2.recorded()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, second.Unloaded())
	assert.False(t, third.Unloaded())

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProbesTotal.WithLabelValues("orphaned")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProbesTotal.WithLabelValues("alive")))
}

func TestAgent_ControllerDisconnectUnloads(t *testing.T) {
	a, c := newTestAgent(t, Options{})

	var unloads atomic.Int32
	a.OnUnload().Add(func(*Agent) { unloads.Add(1) })

	require.NoError(t, c.ch.Close())
	waitDone(t, a)
	require.NoError(t, a.Close())
	assert.Equal(t, int32(1), unloads.Load())
}

func TestAgent_PendingRequestsFailOnUnload(t *testing.T) {
	a, c := newTestAgent(t, Options{})
	ctx := waitCtx(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.ch.Request(ctx, "run", "entry", []any{})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, a.Close())
	err := <-done
	assert.True(t, errors.Is(err, channel.ErrDisconnected), "got %v", err)
}

func TestAgent_ScheduledProbe(t *testing.T) {
	m := metrics.NewMetrics()
	_, c := newTestAgent(t, Options{Metrics: m, ProbeSchedule: "@every 1s"})

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ProbesTotal.WithLabelValues("alive")) >= 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, c.recorded(), "ping")
}

func TestAgent_InvalidProbeSchedule(t *testing.T) {
	_, contextEnd := channel.NewPipe()
	_, err := New(contextEnd, Options{RootURL: testRoot, Evaluator: echoEvaluator, ProbeSchedule: "every now and then"})
	assert.Error(t, err)
}

func TestAgent_RunArgumentsCrossTheWire(t *testing.T) {
	var got []any
	eval := EvaluatorFunc(func(_ context.Context, _ string, _ map[string]any, args []any) (any, error) {
		got = args
		return map[string]any{"ok": true}, nil
	})
	_, c := newTestAgent(t, Options{Evaluator: eval})
	require.NoError(t, c.ch.Send("shimRequire"))

	raw, err := c.ch.Request(waitCtx(t), "run", "x", []any{1, "two", map[string]any{"three": 3}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	data, _ := json.Marshal(got)
	assert.JSONEq(t, `[1,"two",{"three":3}]`, string(data))
}
