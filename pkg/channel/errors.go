package channel

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is matched by every *DisconnectError.
	ErrDisconnected = errors.New("channel disconnected")

	// ErrUnknownMethod is matched by the rejection a peer sends for a method
	// it does not implement.
	ErrUnknownMethod = errors.New("unknown request")

	// ErrProtocol is matched by every *ProtocolError.
	ErrProtocol = errors.New("protocol error")
)

// message of the rejection sent for unknown methods
const unknownRequestMessage = "Unknown request"

// DisconnectError rejects requests that were pending when their channel was
// invalidated.
type DisconnectError struct {
	Method string
	Cause  error
}

func (e *DisconnectError) Error() string {
	msg := "channel disconnected"
	if e.Method != "" {
		msg = fmt.Sprintf("channel disconnected while %q was pending", e.Method)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DisconnectError) Unwrap() error { return e.Cause }

func (e *DisconnectError) Is(target error) bool { return target == ErrDisconnected }

// ProtocolError describes a malformed or unexpected frame.
type ProtocolError struct {
	Frame  Frame
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Frame.Method != "" || e.Frame.ID != 0 {
		return fmt.Sprintf("protocol error: %s (method %q, id %d)", e.Reason, e.Frame.Method, e.Frame.ID)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// RemoteError is an error-shaped rejection: the peer's handler failed.
type RemoteError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrUnknownMethod && e.Message == unknownRequestMessage
}

// RejectedValue is a rejection whose payload is not error-shaped.
type RejectedValue struct {
	Value json.RawMessage
}

func (e *RejectedValue) Error() string {
	return "request rejected with " + string(e.Value)
}

// rejection lets a handler reject with an arbitrary value.
type rejection struct {
	value any
}

func (r *rejection) Error() string {
	return fmt.Sprintf("rejected with %v", r.value)
}

// Reject returns an error that, when returned from a handler, is sent to the
// caller as the raw value instead of an error object.
func Reject(value any) error {
	return &rejection{value: value}
}

// rejectionPayload converts a handler error into the value put on the wire.
func rejectionPayload(err error) any {
	var raw *rejection
	if errors.As(err, &raw) {
		return raw.value
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote
	}
	return &RemoteError{Name: "Error", Message: err.Error()}
}

// decodeRejection rebuilds the error a peer rejected with.
func decodeRejection(payload json.RawMessage) error {
	var remote RemoteError
	if err := json.Unmarshal(payload, &remote); err == nil && remote.Message != "" {
		return &remote
	}
	return &RejectedValue{Value: payload}
}
