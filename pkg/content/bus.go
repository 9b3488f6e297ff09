package content

import (
	"sync"

	"github.com/harun/frameloader/pkg/loader"
)

// Bus carries out-of-band notifications between agents that occupy the same
// context one after another, independent of any channel.
type Bus interface {
	Publish(topic string)
	Subscribe(topic string, fn func()) (unsubscribe func())
}

// LocalBus is an in-process Bus. Publish calls subscribers synchronously.
type LocalBus struct {
	mu     sync.Mutex
	topics map[string]*loader.Event[struct{}]
}

func NewLocalBus() *LocalBus {
	return &LocalBus{topics: make(map[string]*loader.Event[struct{}])}
}

func (b *LocalBus) Publish(topic string) {
	b.mu.Lock()
	e := b.topics[topic]
	b.mu.Unlock()
	if e != nil {
		e.Fire(struct{}{})
	}
}

func (b *LocalBus) Subscribe(topic string, fn func()) func() {
	b.mu.Lock()
	e := b.topics[topic]
	if e == nil {
		e = &loader.Event[struct{}]{}
		b.topics[topic] = e
	}
	b.mu.Unlock()
	return e.Add(func(struct{}) { fn() })
}
