// Package notify reports errors and progress to the operator through a
// pluggable Sink.
package notify

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Level selects how a notice is presented.
type Level string

const (
	LevelError   Level = "error"
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelLog     Level = "log"
)

// Default display durations per level.
const (
	ErrorTimeout   = 7500 * time.Millisecond
	SuccessTimeout = 5 * time.Second
	InfoTimeout    = 3500 * time.Millisecond
	WarnTimeout    = 6 * time.Second
	LogTimeout     = 3 * time.Second
)

const (
	defaultErrorTitle   = "That didn't work ..."
	defaultSuccessTitle = "Operation completed successfully!"
)

// ErrTitleRequired is returned by Info, Warn and Log without a title.
var ErrTitleRequired = errors.New("notification title is required")

// Notice is one notification.
type Notice struct {
	Level   Level
	Title   string
	Message string
	Timeout time.Duration
}

// Sink displays notices.
type Sink interface {
	Notify(ctx context.Context, n Notice) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notice) error

func (f SinkFunc) Notify(ctx context.Context, n Notice) error { return f(ctx, n) }

// Service formats notices and hands them to a Sink.
type Service struct {
	sink Sink
}

func New(sink Sink) *Service {
	return &Service{sink: sink}
}

// Error reports a failure. An empty title selects a generic one; lines are
// followed by the error's message.
func (s *Service) Error(ctx context.Context, title string, err error, lines ...string) error {
	if title == "" {
		title = defaultErrorTitle
	}
	message := strings.Join(lines, "\n")
	if len(lines) > 0 {
		message += "\n"
	}
	if err != nil {
		message += err.Error()
	}
	if message == "" {
		message = "at all"
	}
	return s.sink.Notify(ctx, Notice{Level: LevelError, Title: title, Message: message, Timeout: ErrorTimeout})
}

// Success reports a completed operation. An empty title selects a generic one.
func (s *Service) Success(ctx context.Context, title string, lines ...string) error {
	if title == "" {
		title = defaultSuccessTitle
	}
	return s.sink.Notify(ctx, Notice{Level: LevelSuccess, Title: title, Message: strings.Join(lines, "\n"), Timeout: SuccessTimeout})
}

func (s *Service) Info(ctx context.Context, title string, lines ...string) error {
	return s.titled(ctx, LevelInfo, InfoTimeout, title, lines)
}

func (s *Service) Warn(ctx context.Context, title string, lines ...string) error {
	return s.titled(ctx, LevelWarn, WarnTimeout, title, lines)
}

func (s *Service) Log(ctx context.Context, title string, lines ...string) error {
	return s.titled(ctx, LevelLog, LogTimeout, title, lines)
}

func (s *Service) titled(ctx context.Context, level Level, timeout time.Duration, title string, lines []string) error {
	if title == "" {
		return ErrTitleRequired
	}
	return s.sink.Notify(ctx, Notice{Level: level, Title: title, Message: strings.Join(lines, "\n"), Timeout: timeout})
}
