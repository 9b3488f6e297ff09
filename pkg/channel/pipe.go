package channel

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrPortClosed is returned when posting on a disconnected port.
	ErrPortClosed = errors.New("port closed")

	// ErrPortBroken is returned when posting on a port whose peer vanished
	// without a disconnect notification.
	ErrPortBroken = errors.New("port unusable: peer unreachable")
)

// PipePort is one end of an in-memory port pair. Frames are JSON encoded on
// Post, so values that cannot cross a process boundary fail there too.
type PipePort struct {
	peer   *PipePort
	broken *atomic.Bool

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []pipeItem
	started      bool
	stopped      bool
	onMessage    func(Frame)
	onDisconnect func(error)
}

type pipeItem struct {
	data       []byte
	disconnect error
}

// NewPipe returns two connected ports.
func NewPipe() (*PipePort, *PipePort) {
	broken := &atomic.Bool{}
	a := &PipePort{broken: broken}
	b := &PipePort{broken: broken}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipePort) Post(f Frame) error {
	if p.broken.Load() {
		return ErrPortBroken
	}
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrPortClosed
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	p.peer.enqueue(pipeItem{data: data})
	return nil
}

func (p *PipePort) Start(onMessage func(Frame), onDisconnect func(error)) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.onMessage = onMessage
	p.onDisconnect = onDisconnect
	p.mu.Unlock()

	go p.deliver()
}

// Close stops this end and signals a disconnect to the peer once the
// frames already posted to it are delivered.
func (p *PipePort) Close() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.peer.enqueue(pipeItem{disconnect: ErrPortClosed})
	return nil
}

// Break makes both ends unusable without notifying either of them, the way
// some hosts orphan a context when its controller is reloaded.
func (p *PipePort) Break() {
	p.broken.Store(true)
	p.halt()
	p.peer.halt()
}

func (p *PipePort) halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.queue = nil
	p.cond.Broadcast()
}

func (p *PipePort) enqueue(item pipeItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.broken.Load() {
		return
	}
	p.queue = append(p.queue, item)
	p.cond.Signal()
}

func (p *PipePort) deliver() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		item := p.queue[0]
		p.queue = p.queue[1:]
		if item.disconnect != nil {
			p.stopped = true
			p.queue = nil
		}
		onMessage, onDisconnect := p.onMessage, p.onDisconnect
		p.mu.Unlock()

		if item.disconnect != nil {
			if onDisconnect != nil {
				onDisconnect(item.disconnect)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(item.data, &f); err != nil {
			continue
		}
		if onMessage != nil {
			onMessage(f)
		}
	}
}
