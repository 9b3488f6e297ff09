package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrSuperseded is returned to a throttled notice replaced by a newer one
// before it was shown.
var ErrSuperseded = errors.New("notification superseded")

// LogSink writes notices to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Notify(_ context.Context, n Notice) error {
	var ev *zerolog.Event
	switch n.Level {
	case LevelError:
		ev = s.Logger.Error()
	case LevelWarn:
		ev = s.Logger.Warn()
	case LevelLog:
		ev = s.Logger.Debug()
	default:
		ev = s.Logger.Info()
	}
	ev.Str("kind", string(n.Level)).
		Str("title", n.Title).
		Dur("timeout", n.Timeout).
		Msg(n.Message)
	return nil
}

// ThrottledSink shows at most one notice per Interval. A notice arriving
// while another waits for its turn replaces it.
type ThrottledSink struct {
	Sink     Sink
	Interval time.Duration

	mu      sync.Mutex
	pending *throttledNotice
	last    time.Time
}

type throttledNotice struct {
	notice Notice
	done   chan error
}

func (t *ThrottledSink) Notify(ctx context.Context, n Notice) error {
	call := &throttledNotice{notice: n, done: make(chan error, 1)}

	t.mu.Lock()
	if t.pending == nil {
		wait := time.Until(t.last.Add(t.Interval))
		if wait < 0 {
			wait = 0
		}
		time.AfterFunc(wait, t.flush)
	} else {
		t.pending.done <- ErrSuperseded
	}
	t.pending = call
	t.mu.Unlock()

	select {
	case err := <-call.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ThrottledSink) flush() {
	t.mu.Lock()
	call := t.pending
	t.pending = nil
	t.last = time.Now()
	t.mu.Unlock()

	if call != nil {
		call.done <- t.Sink.Notify(context.Background(), call.notice)
	}
}
