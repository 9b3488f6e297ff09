package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/frameloader/pkg/loader"
)

// ClientKind tells context agents from event observers.
type ClientKind string

const (
	KindAgent    ClientKind = "agent"
	KindObserver ClientKind = "observer"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	JSONRPC        string          `json:"jsonrpc"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string    `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
	JSONRPC string    `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage is a server-initiated event sent to observers.
type EventMessage struct {
	Type      string `json:"type,omitempty"`
	Event     string `json:"event"`
	Seq       int64  `json:"seq,omitempty"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
	Session   string `json:"session,omitempty"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID          string     `json:"id"`
	Kind        ClientKind `json:"kind"`
	Session     string     `json:"session,omitempty"`
	URL         string     `json:"url,omitempty"`
	Incognito   bool       `json:"incognito,omitempty"`
	ConnectedAt time.Time  `json:"connectedAt"`
	IPAddress   string     `json:"ipAddress"`
}

// SessionInfo describes a session of the loader registry.
type SessionInfo struct {
	ID          string `json:"id"`
	Target      string `json:"target"`
	Frame       string `json:"frame,omitempty"`
	URL         string `json:"url,omitempty"`
	Hidden      bool   `json:"hidden"`
	Connected   bool   `json:"connected"`
	Incognito   bool   `json:"incognito"`
	Initialized bool   `json:"initialized"`
}

func sessionInfo(s *loader.Session) SessionInfo {
	id := s.ID()
	return SessionInfo{
		ID:          id.String(),
		Target:      id.Target,
		Frame:       id.Frame,
		URL:         s.URL(),
		Hidden:      s.Hidden(),
		Connected:   s.Connected(),
		Incognito:   s.Incognito(),
		Initialized: s.Initialized(),
	}
}

// BindingInfo describes a registered binding.
type BindingInfo struct {
	Name      string   `json:"name"`
	Include   []string `json:"include"`
	Exclude   []string `json:"exclude,omitempty"`
	Incognito bool     `json:"incognito"`
	Frames    string   `json:"frames"`
	Modules   int      `json:"modules"`
}

func bindingInfo(b *loader.Binding) BindingInfo {
	return BindingInfo{
		Name:      b.Name(),
		Include:   b.Include(),
		Exclude:   b.Exclude(),
		Incognito: b.Incognito(),
		Frames:    string(b.Frames()),
		Modules:   b.Modules().Len(),
	}
}

// RequestHandler handles the params of one RPC method.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	SessionNotFound        = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
)

// Client is a connected websocket client. Agents carry the session their
// context belongs to.
type Client struct {
	ID          string
	Kind        ClientKind
	Conn        *websocket.Conn
	Session     loader.SessionID
	URL         string
	Incognito   bool
	ConnectedAt time.Time
	IPAddress   string

	writeMu sync.Mutex
}

// WriteJSON serializes writes to the client's connection.
func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

func (c *Client) info() ClientInfo {
	info := ClientInfo{
		ID:          c.ID,
		Kind:        c.Kind,
		URL:         c.URL,
		Incognito:   c.Incognito,
		ConnectedAt: c.ConnectedAt,
		IPAddress:   c.IPAddress,
	}
	if c.Kind == KindAgent {
		info.Session = c.Session.String()
	}
	return info
}
