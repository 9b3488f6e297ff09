package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceNotLocal rejects loadScript and fetchResource calls for
	// URLs outside the root namespace.
	ErrResourceNotLocal = errors.New("can only load local resources")

	// ErrSessionDestroyed is returned for requests on a destroyed session.
	ErrSessionDestroyed = errors.New("session destroyed")

	// ErrUnknownSession is returned when no session has the given id.
	ErrUnknownSession = errors.New("unknown session")

	// ErrRegistryClosed is returned after Registry.Close.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrInvalidPortName rejects ports not opened by the context agent.
	ErrInvalidPortName = errors.New("invalid port name")

	// ErrInvalidFrames rejects a frame scope other than top or matching.
	ErrInvalidFrames = errors.New("frames must be one of: 'top', 'matching'")
)

// InjectionError reports that the host refused or failed to run a resource
// in a session, or that the injected agent never connected.
type InjectionError struct {
	Session  SessionID
	Resource string
	Err      error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("failed to inject %s into %s: %v", e.Resource, e.Session, e.Err)
}

func (e *InjectionError) Unwrap() error { return e.Err }
