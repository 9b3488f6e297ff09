// Package content implements the agent that runs inside one context. It
// serves the controller's requests over the context's channel and tears
// itself down once the controller is gone, probing for that where the host
// does not report it.
package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/frameloader/internal/metrics"
	"github.com/harun/frameloader/pkg/channel"
	"github.com/harun/frameloader/pkg/loader"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrUnloaded is returned by agent operations after teardown.
var ErrUnloaded = errors.New("agent unloaded")

// HTTPClientGlobal is the global holding an *http.Client whose requests for
// the controller's resources go over the channel.
const HTTPClientGlobal = "http"

const visibilityTimeout = 5 * time.Second

// Options configures an Agent.
type Options struct {
	// RootURL prefixes the controller's own resources.
	RootURL   string
	Evaluator Evaluator
	// Modules becomes the module loader once the controller injects
	// RequireResource.
	Modules         ModuleLoader
	RequireResource string
	// Document reports visibility changes; each one is forwarded to the
	// controller as pagehide or pageshow.
	Document Document
	// Transport is the base of the HTTPClientGlobal client,
	// http.DefaultTransport when nil.
	Transport http.RoundTripper
	Bus       Bus
	// ProbeOnReinjection enables the "did you survive?" protocol for hosts
	// that do not report a lost controller.
	ProbeOnReinjection bool
	// ProbeSchedule is a cron spec such as "@every 30s".
	ProbeSchedule string
	Debug         bool
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

// Agent is the context end of a session's channel.
type Agent struct {
	id      string
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
	ch      *channel.Channel
	debug   atomic.Bool

	evalMu  sync.Mutex
	globals map[string]any

	readyOnce sync.Once
	ready     chan struct{}
	modules   ModuleLoader

	mu          sync.Mutex
	hooks       []Hook
	unsubscribe []func()
	cron        *cron.Cron

	unloaded atomic.Bool
	done     chan struct{}
	onUnload loader.Event[*Agent]
}

// New starts an agent on port.
func New(port channel.Port, opts Options) (*Agent, error) {
	if opts.RootURL == "" {
		return nil, fmt.Errorf("root URL is required")
	}
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate agent id: %w", err)
	}

	a := &Agent{
		id:      id,
		opts:    opts,
		logger:  opts.Logger.With().Str("component", "content").Str("agent", id).Logger(),
		metrics: opts.Metrics,
		globals: make(map[string]any),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	a.debug.Store(opts.Debug)

	created := make(chan struct{})
	ch, err := channel.New(port, a.methods(), channel.Options{
		Name:   "content/" + id,
		Logger: a.logger,
		OnDisconnect: func(err error) {
			<-created
			a.teardown(err)
		},
	})
	if err != nil {
		return nil, err
	}
	a.ch = ch
	close(created)

	if opts.ProbeSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(opts.ProbeSchedule, func() { a.Probe() }); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("invalid probe schedule %q: %w", opts.ProbeSchedule, err)
		}
		a.cron = c
		c.Start()
	}

	if opts.ProbeOnReinjection {
		topic := opts.RootURL + "unload"
		if opts.Bus != nil {
			// Ask a previous occupant of this context whether it survived,
			// then listen for our own successor.
			opts.Bus.Publish(topic)
			a.subscribe(opts.Bus.Subscribe(topic, func() {
				a.trace("reinjection detected")
				a.Probe()
			}))
		}
		if opts.Document != nil {
			a.subscribe(opts.Document.OnVisibilityChange(func(visible bool) {
				if visible {
					a.Probe()
				}
			}))
		}
	}

	if opts.Document != nil {
		a.subscribe(opts.Document.OnVisibilityChange(a.visibilityChanged))
	}
	a.globals[HTTPClientGlobal] = &http.Client{Transport: a.Transport(opts.Transport)}

	a.logger.Debug().Msg("Agent started")
	return a, nil
}

// ID returns the agent's instance id.
func (a *Agent) ID() string { return a.id }

// Globals returns the object procedures receive as this. Callers must not
// modify it while procedures may run.
func (a *Agent) Globals() map[string]any { return a.globals }

// Debug reports whether the controller asked for verbose logging.
func (a *Agent) Debug() bool { return a.debug.Load() }

// OnUnload fires once when the agent tears down.
func (a *Agent) OnUnload() *loader.Event[*Agent] { return &a.onUnload }

// Done is closed when the agent has torn down.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Unloaded reports whether teardown has started.
func (a *Agent) Unloaded() bool { return a.unloaded.Load() }

// AddHook registers h to be detached at teardown. After teardown h is
// detached immediately.
func (a *Agent) AddHook(h Hook) {
	a.mu.Lock()
	if !a.unloaded.Load() {
		a.hooks = append(a.hooks, h)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	h.Detach()
}

// ModuleConfig returns the configuration the controller gave module id.
func (a *Agent) ModuleConfig(id string) (any, bool) {
	select {
	case <-a.ready:
	default:
		return nil, false
	}
	c, ok := a.modules.(interface{ Config(string) (any, bool) })
	if !ok {
		return nil, false
	}
	return c.Config(id)
}

// Probe tests whether the controller is still reachable. When posting
// fails it schedules teardown and returns true.
func (a *Agent) Probe() bool {
	if a.unloaded.Load() {
		return true
	}
	err := a.ch.Send("ping")
	if err == nil {
		a.metrics.ProbesTotal.WithLabelValues("alive").Inc()
		return false
	}

	a.metrics.ProbesTotal.WithLabelValues("orphaned").Inc()
	a.logger.Info().Err(err).Msg("Controller unreachable, unloading")
	if a.unloaded.CompareAndSwap(false, true) {
		go a.unload(err)
	}
	return true
}

// PageHide tells the controller the context was put in the back/forward
// cache.
func (a *Agent) PageHide(ctx context.Context) error {
	return a.visibility(ctx, "pagehide")
}

// PageShow tells the controller the context was restored.
func (a *Agent) PageShow(ctx context.Context) error {
	return a.visibility(ctx, "pageshow")
}

func (a *Agent) visibilityChanged(visible bool) {
	if a.unloaded.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), visibilityTimeout)
	defer cancel()
	if visible {
		_ = a.PageShow(ctx)
	} else {
		_ = a.PageHide(ctx)
	}
}

func (a *Agent) visibility(ctx context.Context, method string) error {
	if a.unloaded.Load() {
		return ErrUnloaded
	}
	a.trace(method)
	if _, err := a.ch.Request(ctx, method); err != nil {
		a.logger.Error().Err(err).Str("method", method).Msg("Failed to report visibility")
		return err
	}
	return nil
}

// Close detaches the agent from its context, as if the controller unloaded.
func (a *Agent) Close() error {
	a.teardown(nil)
	return nil
}

func (a *Agent) subscribe(unsubscribe func()) {
	a.mu.Lock()
	a.unsubscribe = append(a.unsubscribe, unsubscribe)
	a.mu.Unlock()
}

// teardown runs once, however many times the controller is found missing.
func (a *Agent) teardown(cause error) {
	if a.unloaded.CompareAndSwap(false, true) {
		a.unload(cause)
	}
}

func (a *Agent) unload(cause error) {
	a.trace("unloading content")

	a.mu.Lock()
	hooks, unsubscribe, c := a.hooks, a.unsubscribe, a.cron
	a.hooks, a.unsubscribe, a.cron = nil, nil, nil
	a.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i].Detach()
	}
	for _, fn := range unsubscribe {
		fn()
	}
	if c != nil {
		// The probe job may be the caller, so do not wait for it.
		c.Stop()
	}

	a.onUnload.Fire(a)
	a.onUnload.Clear()

	_ = a.ch.Close()
	a.metrics.TeardownsTotal.Inc()
	close(a.done)

	ev := a.logger.Debug()
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Msg("Agent unloaded")
}

func (a *Agent) trace(msg string) {
	if a.debug.Load() {
		a.logger.Info().Msg(msg)
	}
}
