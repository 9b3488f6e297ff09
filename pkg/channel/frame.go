package channel

import (
	"encoding/json"
	"fmt"
)

// MaxID is the largest correlation id. It stays within the range a JSON
// number can carry without loss.
const MaxID = 1<<53 - 1

// Frame is one wire message, encoded as the JSON array [method, id, args].
//
// An empty Method marks a reply: a positive ID resolves the request with
// that id, a negative ID rejects request -ID. A zero ID marks a call that
// expects no reply.
type Frame struct {
	Method string
	ID     int64
	Args   []json.RawMessage
}

// NewFrame encodes args into a frame.
func NewFrame(method string, id int64, args ...any) (Frame, error) {
	raw := make([]json.RawMessage, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to encode argument %d of %q: %w", i, method, err)
		}
		raw[i] = data
	}
	return Frame{Method: method, ID: id, Args: raw}, nil
}

// IsReply reports whether the frame answers an earlier request.
func (f Frame) IsReply() bool {
	return f.Method == ""
}

// Validate checks the frame for protocol violations.
func (f Frame) Validate() error {
	if f.ID > MaxID || f.ID < -MaxID {
		return &ProtocolError{Frame: f, Reason: "correlation id out of range"}
	}
	if f.IsReply() {
		if f.ID == 0 {
			return &ProtocolError{Frame: f, Reason: "reply without correlation id"}
		}
		return nil
	}
	if f.ID < 0 {
		return &ProtocolError{Frame: f, Reason: "negative correlation id on request"}
	}
	return nil
}

// Arg returns argument i, or JSON null when it is missing.
func (f Frame) Arg(i int) json.RawMessage {
	if i < 0 || i >= len(f.Args) || len(f.Args[i]) == 0 {
		return json.RawMessage("null")
	}
	return f.Args[i]
}

func (f Frame) MarshalJSON() ([]byte, error) {
	args := f.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	return json.Marshal([]any{f.Method, f.ID, args})
}

func (f *Frame) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("frame is not an array: %v", err)}
	}
	if len(parts) != 3 {
		return &ProtocolError{Reason: fmt.Sprintf("frame has %d elements, want 3", len(parts))}
	}

	var out Frame
	if err := json.Unmarshal(parts[0], &out.Method); err != nil {
		return &ProtocolError{Reason: "method is not a string"}
	}
	if err := json.Unmarshal(parts[1], &out.ID); err != nil {
		return &ProtocolError{Reason: "correlation id is not an integer"}
	}
	if err := json.Unmarshal(parts[2], &out.Args); err != nil {
		return &ProtocolError{Reason: "arguments are not an array"}
	}
	*f = out
	return nil
}
