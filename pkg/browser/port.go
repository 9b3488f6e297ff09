package browser

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/harun/frameloader/pkg/channel"
)

// cdpPort carries frames between the host and an agent running in an
// isolated world. Outgoing frames are evaluated as calls to the world's
// receive function; incoming frames arrive as binding calls.
type cdpPort struct {
	page        *rod.Page
	context     proto.RuntimeExecutionContextID
	receiveName string

	mu      sync.Mutex
	queue   []channel.Frame
	wake    chan struct{}
	done    chan struct{}
	err     error
	started atomic.Bool
	closed  atomic.Bool
	once    sync.Once
}

func newCDPPort(page *rod.Page, id proto.RuntimeExecutionContextID, receiveName string) *cdpPort {
	return &cdpPort{
		page:        page,
		context:     id,
		receiveName: receiveName,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (p *cdpPort) Post(f channel.Frame) error {
	if p.closed.Load() {
		return channel.ErrPortClosed
	}
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := p.call(string(data)); err != nil {
		return fmt.Errorf("%w: %v", channel.ErrPortBroken, err)
	}
	return nil
}

func (p *cdpPort) Start(onMessage func(channel.Frame), onDisconnect func(error)) {
	if p.started.Swap(true) {
		return
	}
	go p.run(onMessage, onDisconnect)
}

// Close tells the agent its port is gone and disconnects.
func (p *cdpPort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	_ = p.call("null")
	p.disconnect(nil)
	return nil
}

func (p *cdpPort) call(arg string) error {
	return evaluate(p.page, p.context, fmt.Sprintf("globalThis[%q](%s)", p.receiveName, arg))
}

// deliver queues a frame received from the agent. It never blocks the
// caller, which is the page's event loop.
func (p *cdpPort) deliver(f channel.Frame) {
	if p.closed.Load() {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, f)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// disconnect ends the port. Only the first call counts.
func (p *cdpPort) disconnect(err error) {
	p.once.Do(func() {
		p.closed.Store(true)
		p.err = err
		close(p.done)
	})
}

func (p *cdpPort) run(onMessage func(channel.Frame), onDisconnect func(error)) {
	for {
		select {
		case <-p.wake:
		case <-p.done:
			if onDisconnect != nil {
				onDisconnect(p.err)
			}
			return
		}

		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, f := range batch {
			if onMessage != nil {
				onMessage(f)
			}
		}
	}
}
