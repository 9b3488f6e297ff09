package content

import (
	"context"
	"fmt"
	"sync"

	"github.com/harun/frameloader/pkg/loader"
)

// ReadyState is the loading progress of a document, in ascending order.
type ReadyState int

const (
	Loading ReadyState = iota
	Interactive
	Complete
)

func (s ReadyState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Interactive:
		return "interactive"
	case Complete:
		return "complete"
	}
	return fmt.Sprintf("ReadyState(%d)", int(s))
}

// ParseReadyState maps a state name to its ReadyState.
func ParseReadyState(s string) (ReadyState, error) {
	switch s {
	case "loading":
		return Loading, nil
	case "interactive":
		return Interactive, nil
	case "complete":
		return Complete, nil
	}
	return Loading, fmt.Errorf("unknown ready state %q", s)
}

// Document is the page an agent lives in, as far as the agent cares.
type Document interface {
	ReadyState() ReadyState
	OnReadyStateChange(fn func(ReadyState)) (remove func())
	Visible() bool
	OnVisibilityChange(fn func(visible bool)) (remove func())
}

// DocumentState is a Document driven by its owner through setters.
type DocumentState struct {
	mu      sync.Mutex
	state   ReadyState
	visible bool

	readyChange      loader.Event[ReadyState]
	visibilityChange loader.Event[bool]
}

// NewDocumentState returns a visible document that is still loading.
func NewDocumentState() *DocumentState {
	return &DocumentState{state: Loading, visible: true}
}

func (d *DocumentState) ReadyState() ReadyState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DocumentState) Visible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

func (d *DocumentState) OnReadyStateChange(fn func(ReadyState)) func() {
	return d.readyChange.Add(fn)
}

func (d *DocumentState) OnVisibilityChange(fn func(bool)) func() {
	return d.visibilityChange.Add(fn)
}

// SetReadyState moves the document to s and notifies listeners on change.
func (d *DocumentState) SetReadyState(s ReadyState) {
	d.mu.Lock()
	changed := d.state != s
	d.state = s
	d.mu.Unlock()
	if changed {
		d.readyChange.Fire(s)
	}
}

// SetVisible updates visibility and notifies listeners on change.
func (d *DocumentState) SetVisible(visible bool) {
	d.mu.Lock()
	changed := d.visible != visible
	d.visible = visible
	d.mu.Unlock()
	if changed {
		d.visibilityChange.Fire(visible)
	}
}

// WaitReady blocks until doc has reached at least state.
func WaitReady(ctx context.Context, doc Document, state ReadyState) error {
	reached := make(chan struct{})
	var once sync.Once
	remove := doc.OnReadyStateChange(func(s ReadyState) {
		if s >= state {
			once.Do(func() { close(reached) })
		}
	})
	defer remove()

	if doc.ReadyState() >= state {
		return nil
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
