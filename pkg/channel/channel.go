// Package channel implements the duplex request/response multiplexer that
// connects the controller with one session. Both ends speak the same
// protocol over a Port, an ordered message primitive that may fail or
// vanish at any time.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

var errClosed = errors.New("channel closed")

// Port is the message primitive a Channel runs on. Frames posted on one end
// arrive at the other end in the order they were posted.
type Port interface {
	// Post sends a frame. It fails synchronously when the port is unusable.
	Post(Frame) error
	// Start begins delivery. onDisconnect is called at most once, after
	// which onMessage is not called again.
	Start(onMessage func(Frame), onDisconnect func(error))
	// Close disconnects both ends.
	Close() error
}

// Handler serves one method. ctx is cancelled when the channel is invalidated.
type Handler func(ctx context.Context, call *Call) (any, error)

// Method binds a handler to a method name. Inline handlers run in arrival
// order on the delivery goroutine and must not wait on the same channel;
// concurrent handlers run on their own goroutine.
type Method struct {
	Handler    Handler
	Concurrent bool
}

// Inline returns a Method run in arrival order.
func Inline(h Handler) Method { return Method{Handler: h} }

// Concurrent returns a Method run on its own goroutine.
func Concurrent(h Handler) Method { return Method{Handler: h, Concurrent: true} }

// Methods is the static table of methods a channel end serves.
type Methods map[string]Method

// Validate rejects empty names, which are reserved for replies, and missing handlers.
func (m Methods) Validate() error {
	for name, method := range m {
		if name == "" {
			return fmt.Errorf("method name cannot be empty")
		}
		if method.Handler == nil {
			return fmt.Errorf("method %q has no handler", name)
		}
	}
	return nil
}

// Call is one incoming request.
type Call struct {
	Channel *Channel
	Method  string
	ID      int64
	Args    []json.RawMessage
}

// Arg decodes argument i into v.
func (c *Call) Arg(i int, v any) error {
	if i >= len(c.Args) {
		return &ProtocolError{Frame: c.frame(), Reason: fmt.Sprintf("missing argument %d", i)}
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return &ProtocolError{Frame: c.frame(), Reason: fmt.Sprintf("argument %d: %v", i, err)}
	}
	return nil
}

// Notification reports whether the caller expects no reply.
func (c *Call) Notification() bool {
	return c.ID == 0
}

func (c *Call) frame() Frame {
	return Frame{Method: c.Method, ID: c.ID}
}

// Options configures a Channel.
type Options struct {
	Name         string
	Logger       zerolog.Logger
	OnDisconnect func(error)
}

// Channel multiplexes requests over a Port and correlates their replies.
type Channel struct {
	port         Port
	methods      Methods
	name         string
	logger       zerolog.Logger
	onDisconnect func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	seq     int64
	pending map[int64]*pendingCall
	closed  bool
	err     error
	done    chan struct{}
}

type pendingCall struct {
	method string
	result chan callResult
}

type callResult struct {
	value json.RawMessage
	err   error
}

// New starts a channel on port serving methods.
func New(port Port, methods Methods, opts Options) (*Channel, error) {
	if port == nil {
		return nil, fmt.Errorf("port is required")
	}
	if err := methods.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		port:         port,
		methods:      methods,
		name:         opts.Name,
		logger:       opts.Logger.With().Str("channel", opts.Name).Logger(),
		onDisconnect: opts.OnDisconnect,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[int64]*pendingCall),
		done:         make(chan struct{}),
	}
	port.Start(c.receive, c.disconnected)
	return c, nil
}

// Name returns the name the channel was created with.
func (c *Channel) Name() string {
	return c.name
}

// Send calls method without expecting a reply. It fails synchronously if
// the channel or its port is unusable.
func (c *Channel) Send(method string, args ...any) error {
	if method == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	frame, err := NewFrame(method, 0, args...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed, cause := c.closed, c.err
	c.mu.Unlock()
	if closed {
		return &DisconnectError{Method: method, Cause: cause}
	}

	if err := c.port.Post(frame); err != nil {
		return &DisconnectError{Method: method, Cause: err}
	}
	return nil
}

// Request calls method and waits for exactly one reply. It returns early
// when ctx ends or the channel is invalidated.
func (c *Channel) Request(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	if method == "" {
		return nil, fmt.Errorf("method name cannot be empty")
	}
	frame, err := NewFrame(method, 0, args...)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{method: method, result: make(chan callResult, 1)}

	c.mu.Lock()
	if c.closed {
		cause := c.err
		c.mu.Unlock()
		return nil, &DisconnectError{Method: method, Cause: cause}
	}
	id := c.nextIDLocked()
	c.pending[id] = call
	c.mu.Unlock()

	frame.ID = id
	if err := c.port.Post(frame); err != nil {
		if c.take(id, call) {
			return nil, &DisconnectError{Method: method, Cause: err}
		}
		res := <-call.result
		return res.value, res.err
	}

	select {
	case res := <-call.result:
		return res.value, res.err
	case <-ctx.Done():
		if c.take(id, call) {
			return nil, ctx.Err()
		}
		res := <-call.result
		return res.value, res.err
	}
}

// RequestAs calls Request and decodes the reply into T.
func RequestAs[T any](ctx context.Context, c *Channel, method string, args ...any) (T, error) {
	var out T
	raw, err := c.Request(ctx, method, args...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode %q result: %w", method, err)
	}
	return out, nil
}

// Pending returns the number of requests awaiting a reply.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed once the channel is invalidated.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns why the channel was invalidated, or nil while it is live.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close invalidates the channel and disconnects its port.
func (c *Channel) Close() error {
	if !c.invalidate(errClosed) {
		return nil
	}
	return c.port.Close()
}

func (c *Channel) nextIDLocked() int64 {
	for {
		c.seq++
		if c.seq > MaxID {
			c.seq = 1
		}
		if _, busy := c.pending[c.seq]; !busy {
			return c.seq
		}
	}
}

// take removes call from the pending map if it is still there. Whoever
// removes a call owns delivering its single result.
func (c *Channel) take(id int64, call *pendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[id] != call {
		return false
	}
	delete(c.pending, id)
	return true
}

func (c *Channel) invalidate(cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.err = cause
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	close(c.done)
	c.mu.Unlock()

	c.cancel()
	for _, call := range pending {
		call.result <- callResult{err: &DisconnectError{Method: call.method, Cause: cause}}
	}
	if len(pending) > 0 {
		c.logger.Debug().Int("pending", len(pending)).Err(cause).Msg("Rejected pending requests")
	}
	if c.onDisconnect != nil {
		c.onDisconnect(cause)
	}
	return true
}

func (c *Channel) disconnected(err error) {
	if err == nil {
		err = errClosed
	}
	if c.invalidate(err) {
		c.logger.Debug().Err(err).Msg("Port disconnected")
	}
}

func (c *Channel) receive(f Frame) {
	if err := f.Validate(); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed frame")
		return
	}
	if f.IsReply() {
		c.settle(f)
		return
	}

	method, ok := c.methods[f.Method]
	if !ok {
		if f.ID == 0 {
			c.logger.Debug().Str("method", f.Method).Msg("Ignoring unknown notification")
			return
		}
		c.respond(f.ID, nil, &RemoteError{Name: "Error", Message: unknownRequestMessage})
		return
	}

	call := &Call{Channel: c, Method: f.Method, ID: f.ID, Args: f.Args}
	if method.Concurrent {
		go c.invoke(method.Handler, call)
	} else {
		c.invoke(method.Handler, call)
	}
}

func (c *Channel) settle(f Frame) {
	id, threw := f.ID, f.ID < 0
	if threw {
		id = -id
	}

	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn().Int64("id", id).Msg("Dropping reply for unknown request")
		return
	}

	payload := f.Arg(0)
	if threw {
		call.result <- callResult{err: decodeRejection(payload)}
	} else {
		call.result <- callResult{value: payload}
	}
}

func (c *Channel) invoke(h Handler, call *Call) {
	value, err := c.run(h, call)
	if call.Notification() {
		if err != nil {
			c.logger.Error().Err(err).Str("method", call.Method).Msg("Notification handler failed")
		}
		return
	}
	c.respond(call.ID, value, err)
}

func (c *Channel) run(h Handler, call *Call) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RemoteError{Name: "panic", Message: fmt.Sprint(r), Stack: string(debug.Stack())}
		}
	}()
	return h(c.ctx, call)
}

func (c *Channel) respond(id int64, value any, err error) {
	var (
		frame Frame
		ferr  error
	)
	if err != nil {
		frame, ferr = NewFrame("", -id, rejectionPayload(err))
	} else {
		frame, ferr = NewFrame("", id, value)
	}
	if ferr != nil {
		frame, _ = NewFrame("", -id, &RemoteError{Name: "Error", Message: ferr.Error()})
	}

	select {
	case <-c.done:
		c.logger.Debug().Int64("id", id).Msg("Channel closed before reply")
		return
	default:
	}
	if err := c.port.Post(frame); err != nil {
		c.logger.Debug().Err(err).Int64("id", id).Msg("Failed to post reply")
	}
}
