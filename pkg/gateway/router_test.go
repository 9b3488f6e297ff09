package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		err := router.RegisterMethod("test.method", func(context.Context, json.RawMessage) (any, error) {
			return "result", nil
		})
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should unregister method", func(t *testing.T) {
		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))
		router.UnregisterMethod("non.existent")
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"session.run","params":{"target":"tab-1"}}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "session.run", req.Method)
		assert.JSONEq(t, `{"target":"tab-1"}`, string(req.Params))
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	cases := map[string]struct {
		data    string
		code    int
		message string
	}{
		"malformed JSON": {`{invalid json}`, ParseError, "Parse error"},
		"missing id":     {`{"method":"test.method"}`, InvalidRequest, "missing id"},
		"missing method": {`{"id":"1"}`, InvalidRequest, "missing method"},
	}
	for name, tc := range cases {
		tc := tc
		t.Run("should reject "+name, func(t *testing.T) {
			_, err := router.ParseRequest([]byte(tc.data))
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tc.code, rpcErr.Code)
			assert.Contains(t, rpcErr.Message, tc.message)
		})
	}
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()

	_ = router.RegisterMethod("test.echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Input string `json:"input"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("bad params")
		}
		return map[string]string{"echo": p.Input}, nil
	})
	_ = router.RegisterMethod("test.error", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("handler error")
	})
	_ = router.RegisterMethod("test.context", func(ctx context.Context, _ json.RawMessage) (any, error) {
		return requestIDFromContext(ctx), nil
	})

	t.Run("should route to registered handler", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.echo", Params: json.RawMessage(`{"input":"hello"}`)})
		assert.Equal(t, "1", resp.ID)
		require.Nil(t, resp.Error)
		assert.Equal(t, map[string]string{"echo": "hello"}, resp.Result)
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "unknown.method"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should map plain errors to internal error", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.error"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("should keep the code of RPC errors", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.echo", Params: json.RawMessage(`[1]`)})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("should pass the context through", func(t *testing.T) {
		resp := router.RouteRequest(withRequestID(ctx, "req-9"), &RPCRequest{ID: "1", Method: "test.context"})
		assert.Equal(t, "req-9", resp.Result)
	})

	t.Run("should reject a nil request", func(t *testing.T) {
		resp := router.RouteRequest(ctx, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_IdempotencyKey(t *testing.T) {
	router := NewRPCRouter()
	var calls atomic.Int32
	_ = router.RegisterMethod("bindings.apply", func(context.Context, json.RawMessage) (any, error) {
		return calls.Add(1), nil
	})

	first := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "bindings.apply", IdempotencyKey: "k"})
	second := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "bindings.apply", IdempotencyKey: "k"})
	third := router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "bindings.apply"})

	assert.Equal(t, int32(1), first.Result)
	assert.Equal(t, int32(1), second.Result)
	assert.Equal(t, "2", second.ID)
	assert.Equal(t, int32(2), third.Result)
}

func TestRPCRouter_GetMethods(t *testing.T) {
	router := NewRPCRouter()
	assert.Empty(t, router.GetMethods())

	handler := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	_ = router.RegisterMethod("b.method", handler)
	_ = router.RegisterMethod("a.method", handler)

	assert.Equal(t, []string{"a.method", "b.method"}, router.GetMethods())
}

func TestHandle_DecodesParams(t *testing.T) {
	router := NewRPCRouter()
	type params struct {
		Name string `json:"name"`
	}
	require.NoError(t, Handle(router, "greet", func(_ context.Context, p params) (any, error) {
		return "hello " + p.Name, nil
	}))

	resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "greet", Params: json.RawMessage(`{"name":"tab"}`)})
	require.Nil(t, resp.Error)
	assert.Equal(t, "hello tab", resp.Result)

	resp = router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "greet"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "hello ", resp.Result)

	resp = router.RouteRequest(context.Background(), &RPCRequest{ID: "3", Method: "greet", Params: json.RawMessage(`"tab"`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)

	assert.Error(t, Handle[params](router, "nil", nil))
	assert.Error(t, router.RegisterMethod("", func(context.Context, json.RawMessage) (any, error) { return nil, nil }))
}
