// Package loader owns the controller side: the tree of sessions, their
// channels and the bindings attached to them as sessions are created,
// navigate, hide and reappear.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/frameloader/internal/metrics"
	"github.com/harun/frameloader/pkg/channel"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultPortName is the name context agents open their port with.
const DefaultPortName = "require.scriptLoader"

// webURL accepts the URLs bindings can match at all.
var webURL = regexp.MustCompile(`(?i)^(?:https?|file|ftp|app)://`)

// ResourceReader reads files of the root resource namespace.
type ResourceReader interface {
	ReadFile(path string) ([]byte, error)
}

// Options configures a Registry.
type Options struct {
	Host Host
	// RootURL prefixes every URL of the controller's own resources.
	RootURL string
	// ContentResource is injected to start the context agent.
	ContentResource string
	// RequireResource is injected once per session as its module loader.
	// When empty the agent is asked to install its fallback loader.
	RequireResource string
	PortName        string
	Debug           bool
	Resources       ResourceReader
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
	// ConnectTimeout bounds one injection including the agent connecting.
	ConnectTimeout time.Duration
	// ApplyConcurrency bounds the sessions ApplyNow attaches to in parallel.
	ApplyConcurrency int
}

// ApplyResult reports the sessions an eager apply attached to and the ones
// that failed.
type ApplyResult struct {
	Applied []SessionID
	Failed  map[SessionID]error
}

// Registry is the single owner of all sessions and their channels.
type Registry struct {
	opts    Options
	host    Host
	logger  zerolog.Logger
	metrics *metrics.Metrics
	debug   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	targets  map[string]map[string]*Session
	bindings []*Binding
	closed   bool
}

// NewRegistry creates a registry driving opts.Host.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("host is required")
	}
	if opts.RootURL == "" {
		return nil, fmt.Errorf("root URL is required")
	}
	if opts.ContentResource == "" {
		return nil, fmt.Errorf("content resource is required")
	}
	if opts.PortName == "" {
		opts.PortName = DefaultPortName
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ApplyConcurrency <= 0 {
		opts.ApplyConcurrency = 8
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:    opts,
		host:    opts.Host,
		logger:  opts.Logger.With().Str("component", "loader").Logger(),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		targets: make(map[string]map[string]*Session),
	}
	r.debug.Store(opts.Debug)
	return r, nil
}

// RootURL returns the prefix of the controller's own resources.
func (r *Registry) RootURL() string {
	return r.opts.RootURL
}

// PortName returns the name agents must open their port with.
func (r *Registry) PortName() string {
	return r.opts.PortName
}

// Register adds b to the bindings consulted on navigation. It does not
// attach b to existing sessions; see ApplyNow.
func (r *Registry) Register(b *Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	for _, existing := range r.bindings {
		if existing == b {
			return nil
		}
	}
	r.bindings = append(r.bindings, b)
	r.logger.Debug().Str("binding", b.Name()).Msg("Binding registered")
	return nil
}

// Unregister removes b so it never attaches again and drops its match
// listeners.
func (r *Registry) Unregister(b *Binding) {
	r.mu.Lock()
	for i, existing := range r.bindings {
		if existing == b {
			r.bindings = append(r.bindings[:i:i], r.bindings[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	b.onMatch.Clear()
}

// Bindings returns the registered bindings in registration order.
func (r *Registry) Bindings() []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Binding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// session returns the registered session for id, creating it on first
// reference. With refresh, a root session is replaced by a fresh one. A
// predecessor that never got a channel is destroyed here; one with a channel
// is destroyed once that channel goes.
func (r *Registry) session(id SessionID, refresh bool) (*Session, error) {
	s, replaced, err := r.lookup(id, refresh)
	if err != nil {
		return nil, err
	}
	if replaced != nil && !replaced.Connected() {
		replaced.destroy(false)
	}
	return s, nil
}

func (r *Registry) lookup(id SessionID, refresh bool) (s, replaced *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrRegistryClosed
	}

	frames := r.targets[id.Target]
	if frames == nil {
		frames = make(map[string]*Session)
		r.targets[id.Target] = frames
	}
	if refresh && id.IsRoot() {
		replaced = frames[id.Frame]
		delete(frames, id.Frame)
	}
	s = frames[id.Frame]
	if s == nil {
		s = newSession(r, id)
		frames[id.Frame] = s
		r.metrics.SessionsTotal.Inc()
		r.metrics.SessionsActive.Inc()
	}
	return s, replaced, nil
}

// forget removes s from the map if it is still the registered session for
// its id.
func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := r.targets[s.id.Target]
	if frames == nil || frames[s.id.Frame] != s {
		return
	}
	delete(frames, s.id.Frame)
	if len(frames) == 0 {
		delete(r.targets, s.id.Target)
	}
}

// restore registers s again after it was shown.
func (r *Registry) restore(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	frames := r.targets[s.id.Target]
	if frames == nil {
		frames = make(map[string]*Session)
		r.targets[s.id.Target] = frames
	}
	frames[s.id.Frame] = s
}

// Session returns the registered session for id.
func (r *Registry) Session(id SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.targets[id.Target][id.Frame]
	return s, ok
}

// Sessions returns all registered sessions ordered by id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	var out []*Session
	for _, frames := range r.targets {
		for _, s := range frames {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].id, out[j].id
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Frame < b.Frame
	})
	return out
}

// Connect adopts a port opened by a context agent as the channel of the
// sender's session.
func (r *Registry) Connect(port channel.Port, info ConnectInfo) (*Session, error) {
	if info.Name != r.opts.PortName {
		_ = port.Close()
		return nil, fmt.Errorf("%w: %q", ErrInvalidPortName, info.Name)
	}

	s, err := r.session(SessionID{Target: info.Target, Frame: info.Frame}, false)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	var ch *channel.Channel
	created := make(chan struct{})
	ch, err = channel.New(port, r.methodsFor(s), channel.Options{
		Name:   s.id.String(),
		Logger: r.logger,
		OnDisconnect: func(err error) {
			<-created
			s.channelLost(ch, err)
		},
	})
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	close(created)

	s.attachChannel(ch, info.Incognito)
	r.logger.Debug().Str("session", s.id.String()).Bool("incognito", info.Incognito).Msg("Session connected")
	return s, nil
}

// HandleNavigation records a committed navigation and matches every
// registered binding against the new URL in the background.
func (r *Registry) HandleNavigation(nav Navigation) {
	if !webURL.MatchString(nav.URL) {
		return
	}

	s, err := r.session(SessionID{Target: nav.Target, Frame: nav.Frame}, true)
	if err != nil {
		return
	}
	s.navigated(nav.URL)

	for _, b := range r.Bindings() {
		b := b
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if _, err := r.apply(r.ctx, s, b, nav.URL, nav.Incognito, false); err != nil {
				r.logger.Warn().Err(err).Str("binding", b.Name()).Str("session", s.id.String()).Msg("Failed to apply binding")
			}
		}()
	}
}

// ApplyNow attaches b to every current session it matches. A failing
// session is logged and reported without affecting the others.
func (r *Registry) ApplyNow(ctx context.Context, b *Binding) (ApplyResult, error) {
	result := ApplyResult{Failed: make(map[SessionID]error)}

	targets, err := r.host.Targets(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list targets: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.opts.ApplyConcurrency)

	record := func(id SessionID, applied bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			result.Failed[id] = err
			r.logger.Error().Err(err).Str("binding", b.Name()).Str("session", id.String()).Msg("Failed to apply binding")
		case applied:
			result.Applied = append(result.Applied, id)
		}
	}

	for _, target := range targets {
		target := target
		frames, err := r.host.Frames(ctx, target.ID)
		if err != nil {
			record(SessionID{Target: target.ID}, false, fmt.Errorf("failed to list frames: %w", err))
			continue
		}
		for _, frame := range frames {
			frame := frame
			id := SessionID{Target: target.ID, Frame: frame.ID}
			g.Go(func() error {
				s, err := r.session(id, false)
				if err != nil {
					record(id, false, err)
					return nil
				}
				att, err := r.apply(ctx, s, b, frame.URL, target.Incognito, false)
				if err == nil && att != nil {
					_, err = att.Wait(ctx)
				}
				record(id, att != nil, err)
				return nil
			})
		}
	}
	_ = g.Wait()

	sort.Slice(result.Applied, func(i, j int) bool {
		return result.Applied[i].String() < result.Applied[j].String()
	})
	return result, nil
}

// ApplyToFrame attaches b to the session id regardless of whether it
// matches. It does not fire OnMatch.
func (r *Registry) ApplyToFrame(ctx context.Context, b *Binding, id SessionID) (*Attachment, error) {
	s, err := r.session(id, false)
	if err != nil {
		return nil, err
	}
	return r.apply(ctx, s, b, "", false, true)
}

// apply runs the matching algorithm for one session and binding. It returns
// a nil attachment when the binding does not match or is already attached.
func (r *Registry) apply(ctx context.Context, s *Session, b *Binding, url string, incognito, force bool) (*Attachment, error) {
	rules := b.snapshot()

	if !force {
		if !rules.accepts(s.id, url, incognito) {
			return nil, nil
		}
		if !s.markAttached(b) {
			return nil, nil
		}
	}

	if _, err := s.ensureChannel(ctx); err != nil {
		if !force {
			s.unmarkAttached(b)
		}
		return nil, err
	}
	// The channel reports the session's real incognito flag.
	if !force && s.Incognito() && !rules.incognito {
		s.unmarkAttached(b)
		return nil, nil
	}
	if force {
		s.markAttached(b)
	}

	att := newAttachment(s, b)
	name := b.Name()
	go func() {
		att.run(r.ctx, rules)
		err := att.Err()
		r.metrics.AttachmentsTotal.WithLabelValues(name, metrics.Status(err)).Inc()
		if err != nil {
			r.logger.Debug().Err(err).Str("binding", name).Str("session", s.id.String()).Msg("Attachment failed")
		}
	}()

	if !force {
		r.metrics.MatchesTotal.WithLabelValues(name).Inc()
		b.onMatch.Fire(MatchEvent{Session: s, URL: url, Attachment: att})
	}
	return att, nil
}

// Run evaluates source in the session id with args and returns its result.
func (r *Registry) Run(ctx context.Context, id SessionID, source string, args ...any) (json.RawMessage, error) {
	s, err := r.session(id, false)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	return s.Request(ctx, "run", source, args)
}

// Require loads modules in the session id and returns the number loaded.
func (r *Registry) Require(ctx context.Context, id SessionID, modules Modules) (int, error) {
	s, err := r.session(id, false)
	if err != nil {
		return 0, err
	}
	raw, err := s.Request(ctx, "require", modules)
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("unexpected require result %s: %w", raw, err)
	}
	return n, nil
}

// Detach destroys the session id, as when the context unloads.
func (r *Registry) Detach(id SessionID) error {
	s, ok := r.Session(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.destroy(false)
	return nil
}

// RemoveTarget destroys every session of target.
func (r *Registry) RemoveTarget(target string) {
	r.mu.RLock()
	var sessions []*Session
	for _, s := range r.targets[target] {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.destroy(false)
	}
}

// SetDebug toggles verbose logging in every connected context.
func (r *Registry) SetDebug(debug bool) {
	r.debug.Store(debug)
	for _, s := range r.Sessions() {
		s.mu.Lock()
		ch := s.channel
		s.mu.Unlock()
		if ch != nil {
			_ = ch.Send("debug", debug)
		}
	}
}

// Debug reports whether contexts are asked to log verbosely.
func (r *Registry) Debug() bool {
	return r.debug.Load()
}

// Close unloads every session without firing OnRemove and waits for
// background matching to stop.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var sessions []*Session
	for _, frames := range r.targets {
		for _, s := range frames {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	r.cancel()
	for _, s := range sessions {
		s.destroy(true)
	}
	r.wg.Wait()

	r.mu.Lock()
	r.targets = make(map[string]map[string]*Session)
	r.mu.Unlock()

	r.logger.Info().Int("sessions", len(sessions)).Msg("Registry closed")
	return nil
}
