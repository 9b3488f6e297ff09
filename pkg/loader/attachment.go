package loader

import (
	"context"
	"encoding/json"
	"sync"
)

// Attachment settles once a binding's modules are loaded and its entry has
// run in one session, or either step failed.
type Attachment struct {
	session *Session
	binding *Binding

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newAttachment(s *Session, b *Binding) *Attachment {
	return &Attachment{session: s, binding: b, done: make(chan struct{})}
}

// Session returns the session the binding was attached to.
func (a *Attachment) Session() *Session { return a.session }

// Binding returns the attached binding.
func (a *Attachment) Binding() *Binding { return a.binding }

// Done is closed when the attachment settles.
func (a *Attachment) Done() <-chan struct{} { return a.done }

// Err returns the failure, or nil while pending or after success.
func (a *Attachment) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the attachment settles or ctx ends, and returns the
// entry's result.
func (a *Attachment) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-a.done:
		return a.result, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Attachment) run(ctx context.Context, rules *bindingRules) {
	if !rules.modules.Empty() {
		if _, err := a.session.Request(ctx, "require", rules.modules); err != nil {
			a.finish(nil, err)
			return
		}
	}
	if rules.entry == nil {
		a.finish(nil, nil)
		return
	}
	a.finish(a.session.Request(ctx, "run", rules.entry.Source, rules.entry.Args))
}

func (a *Attachment) finish(result json.RawMessage, err error) {
	a.once.Do(func() {
		a.result, a.err = result, err
		close(a.done)
	})
}
