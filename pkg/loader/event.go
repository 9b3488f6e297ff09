package loader

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Event is a set of listeners. The zero value is ready to use.
type Event[T any] struct {
	mu        sync.Mutex
	next      uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a function that removes it again.
func (e *Event[T]) Add(fn func(T)) (remove func()) {
	if fn == nil {
		return func() {}
	}

	e.mu.Lock()
	e.next++
	id := e.next
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Fire calls every listener in registration order. A panicking listener is
// logged and does not stop the others.
func (e *Event[T]) Fire(v T) {
	e.mu.Lock()
	listeners := make([]listener[T], len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		call(l.fn, v)
	}
}

// Clear removes all listeners.
func (e *Event[T]) Clear() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

// Len returns the number of listeners.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

func call[T any](fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Event listener panicked")
		}
	}()
	fn(v)
}
