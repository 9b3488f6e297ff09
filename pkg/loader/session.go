package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/harun/frameloader/internal/metrics"
	"github.com/harun/frameloader/pkg/channel"
	"github.com/rs/zerolog"
)

// Session is one execution context tracked by the registry. It owns at
// most one live channel at a time.
//
// Lifecycle: created on first reference, gets a channel on its first
// successful injection, toggles between hidden and visible, and is finally
// destroyed. Destroyed is terminal.
type Session struct {
	id       SessionID
	registry *Registry
	logger   zerolog.Logger

	mu          sync.Mutex
	url         string
	incognito   bool
	hidden      bool
	destroyed   bool
	initialized bool
	channel     *channel.Channel
	connecting  *connectWait
	attached    map[*Binding]struct{}

	onShow   Event[*Session]
	onHide   Event[*Session]
	onRemove Event[*Session]
}

// connectWait is shared by everyone waiting for the same injection.
type connectWait struct {
	once sync.Once
	done chan struct{}
	err  error
}

func (w *connectWait) finish(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func newSession(r *Registry, id SessionID) *Session {
	return &Session{
		id:        id,
		registry:  r,
		logger:    r.logger.With().Str("session", id.String()).Logger(),
		incognito: true,
		attached:  make(map[*Binding]struct{}),
	}
}

func (s *Session) ID() SessionID { return s.id }

// URL returns the last URL the session navigated to, if known.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// Incognito reports whether the session is private. It is assumed until
// the first channel reports otherwise.
func (s *Session) Incognito() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incognito
}

func (s *Session) Hidden() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hidden
}

func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Initialized reports whether the module loader bootstrap has run.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Connected reports whether the session has a live channel.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil
}

// Attached reports whether b is attached for the current eligibility event.
func (s *Session) Attached(b *Binding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attached[b]
	return ok
}

func (s *Session) OnShow() *Event[*Session]   { return &s.onShow }
func (s *Session) OnHide() *Event[*Session]   { return &s.onHide }
func (s *Session) OnRemove() *Event[*Session] { return &s.onRemove }

// Request sends a request to the context, injecting the agent first if the
// session has no channel.
func (s *Session) Request(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	ch, err := s.ensureChannel(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := ch.Request(ctx, method, args...)
	m := s.registry.metrics
	m.RequestsTotal.WithLabelValues(method, metrics.Status(err)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return result, err
}

// Send posts a call that expects no reply.
func (s *Session) Send(ctx context.Context, method string, args ...any) error {
	ch, err := s.ensureChannel(ctx)
	if err != nil {
		return err
	}
	return ch.Send(method, args...)
}

func (s *Session) ensureChannel(ctx context.Context) (*channel.Channel, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrSessionDestroyed
	}
	if s.channel != nil {
		ch := s.channel
		s.mu.Unlock()
		return ch, nil
	}
	wait := s.connecting
	if wait == nil {
		wait = &connectWait{done: make(chan struct{})}
		s.connecting = wait
		go s.inject(wait)
	}
	s.mu.Unlock()

	select {
	case <-wait.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if wait.err != nil {
		return nil, wait.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return nil, ErrSessionDestroyed
	}
	return s.channel, nil
}

// inject runs the content resource and waits for the agent to connect.
// On failure the wait is dropped so the next access retries.
func (s *Session) inject(wait *connectWait) {
	r := s.registry
	resource := r.opts.ContentResource

	ctx, cancel := context.WithTimeout(r.ctx, r.opts.ConnectTimeout)
	defer cancel()

	err := r.host.Inject(ctx, s.id, resource)
	if err == nil {
		select {
		case <-wait.done:
			r.metrics.InjectionsTotal.WithLabelValues("success").Inc()
			return
		case <-ctx.Done():
			err = fmt.Errorf("agent did not connect: %w", ctx.Err())
		}
	}

	s.mu.Lock()
	if s.connecting == wait {
		s.connecting = nil
	}
	s.mu.Unlock()

	r.metrics.InjectionsTotal.WithLabelValues("error").Inc()
	s.logger.Warn().Err(err).Str("resource", resource).Msg("Injection failed")
	wait.finish(&InjectionError{Session: s.id, Resource: resource, Err: err})
}

// attachChannel makes ch the session's channel, replacing and closing any
// previous one. A channel that is already dead destroys a session left
// without a live one.
func (s *Session) attachChannel(ch *channel.Channel, incognito bool) {
	m := s.registry.metrics
	m.ChannelsTotal.Inc()
	m.ChannelsActive.Inc()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		_ = ch.Close()
		return
	}
	select {
	case <-ch.Done():
		// The port went away before the channel was installed, so its
		// disconnect did not reach this session.
		s.mu.Unlock()
		s.logger.Debug().Err(ch.Err()).Msg("Channel disconnected before attach")
		if !s.Connected() {
			s.destroy(false)
		}
		return
	default:
	}
	old := s.channel
	s.channel = ch
	s.incognito = incognito
	wait := s.connecting
	s.connecting = nil
	first := !s.initialized
	s.initialized = true
	s.mu.Unlock()

	if old != nil {
		s.logger.Debug().Msg("Replacing channel")
		_ = old.Close()
	}
	if first {
		s.initContent(ch)
	}
	if wait != nil {
		wait.finish(nil)
	}
}

func (s *Session) initContent(ch *channel.Channel) {
	r := s.registry
	if r.opts.RequireResource != "" {
		go func() {
			ctx, cancel := context.WithTimeout(r.ctx, r.opts.ConnectTimeout)
			defer cancel()
			if err := r.host.Inject(ctx, s.id, r.opts.RequireResource); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to inject module loader")
			}
		}()
	} else if err := ch.Send("shimRequire"); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to install module loader shim")
	}
	if r.debug.Load() {
		_ = ch.Send("debug", true)
	}
}

// channelLost destroys the session if ch is still its channel.
func (s *Session) channelLost(ch *channel.Channel, err error) {
	s.registry.metrics.ChannelsActive.Dec()

	s.mu.Lock()
	current := s.channel == ch
	if current {
		s.channel = nil
	}
	s.mu.Unlock()

	if current {
		s.logger.Debug().Err(err).Msg("Channel disconnected")
		s.destroy(false)
	}
}

func (s *Session) navigated(url string) {
	s.mu.Lock()
	s.url = url
	s.attached = make(map[*Binding]struct{})
	s.mu.Unlock()
}

// markAttached records b and reports whether it was not attached yet.
func (s *Session) markAttached(b *Binding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attached[b]; ok {
		return false
	}
	s.attached[b] = struct{}{}
	return true
}

func (s *Session) unmarkAttached(b *Binding) {
	s.mu.Lock()
	delete(s.attached, b)
	s.mu.Unlock()
}

func (s *Session) attachedBindings() []*Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	bindings := make([]*Binding, 0, len(s.attached))
	for b := range s.attached {
		bindings = append(bindings, b)
	}
	return bindings
}

func (s *Session) hide() {
	s.mu.Lock()
	if s.hidden {
		s.mu.Unlock()
		return
	}
	s.hidden = true
	s.mu.Unlock()

	s.onHide.Fire(s)
	for _, b := range s.attachedBindings() {
		b.onHide.Fire(s)
	}
	if s.id.IsRoot() {
		s.registry.forget(s)
	}
}

func (s *Session) show() {
	s.mu.Lock()
	if !s.hidden || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.hidden = false
	s.mu.Unlock()

	if s.id.IsRoot() {
		s.registry.restore(s)
	}
	s.onShow.Fire(s)
	for _, b := range s.attachedBindings() {
		b.onShow.Fire(s)
	}
}

// destroy tears the session down. OnRemove fires unless the whole registry
// is unloading.
func (s *Session) destroy(unload bool) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	s.hide()
	s.registry.forget(s)

	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	wait := s.connecting
	s.connecting = nil
	s.mu.Unlock()

	if !unload {
		s.onRemove.Fire(s)
	}
	s.onRemove.Clear()
	s.onHide.Clear()
	s.onShow.Clear()

	if wait != nil {
		wait.finish(ErrSessionDestroyed)
	}
	if ch != nil {
		_ = ch.Close()
	}

	s.registry.metrics.SessionsDestroyedTotal.Inc()
	s.registry.metrics.SessionsActive.Dec()
	s.logger.Debug().Bool("unload", unload).Msg("Session destroyed")
}
