package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultIdempotencyTTL is how long a response stays replayable for a
// request that carries an idempotency key.
const DefaultIdempotencyTTL = 5 * time.Minute

// RPCRouter dispatches JSON-RPC requests to method handlers.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replies *replyCache
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replies: newReplyCache(DefaultIdempotencyTTL),
	}
}

// RegisterMethod registers an RPC method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if name == "" {
		return errors.New("method name cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

// Handle registers fn under name with its params decoded into P. Missing
// params decode as the zero P; params that do not fit P are InvalidParams.
func Handle[P any](r *RPCRouter, name string, fn func(ctx context.Context, params P) (any, error)) error {
	if fn == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	return r.RegisterMethod(name, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, invalidParams("invalid params: %v", err)
			}
		}
		return fn(ctx, params)
	})
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.handler(name)
	return ok
}

func (r *RPCRouter) handler(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[name]
	return h, ok
}

// GetMethods returns all registered method names, sorted.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	r.mu.RUnlock()

	sort.Strings(methods)
	return methods
}

// ParseRequest decodes a JSON-RPC request and checks its required fields.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}

	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest runs the handler for req. Handler errors that are *RPCError
// keep their code; others become InternalError. A request repeating an
// idempotency key within the TTL gets the first response under its own id.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := ""
	if req.IdempotencyKey != "" {
		key = req.Method + ":" + req.IdempotencyKey
		if cached, ok := r.replies.get(key); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	handler, ok := r.handler(req.Method)
	if !ok {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	var resp *RPCResponse
	if result, err := handler(ctx, req.Params); err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		resp = errorResponse(req.ID, rpcErr)
	} else {
		resp = &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
	}

	if key != "" {
		r.replies.put(key, *resp)
	}
	return resp
}

func errorResponse(id string, err *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: err}
}

// replyCache keeps responses for idempotent replays. Expired entries are
// dropped on every put.
type replyCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cachedReply
}

type cachedReply struct {
	response  RPCResponse
	expiresAt time.Time
}

func newReplyCache(ttl time.Duration) *replyCache {
	return &replyCache{ttl: ttl, entries: make(map[string]cachedReply)}
}

func (c *replyCache) get(key string) (RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return entry.response.clone(), true
}

func (c *replyCache) put(key string, resp RPCResponse) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cachedReply{response: resp.clone(), expiresAt: now.Add(c.ttl)}
}

func (r RPCResponse) clone() RPCResponse {
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	return r
}
