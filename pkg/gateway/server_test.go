package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/frameloader/internal/metrics"
	"github.com/harun/frameloader/pkg/content"
	"github.com/harun/frameloader/pkg/loader"
	"github.com/harun/frameloader/pkg/resources"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRoot    = "app://frameloader/"
	testContent = "content.js"
	testRequire = "require.js"
	testSecret  = "test-secret"
)

type testGateway struct {
	srv     *Server
	reg     *loader.Registry
	http    *httptest.Server
	metrics *metrics.Metrics
}

func (g *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.http.URL, "http")
}

func newTestGateway(t *testing.T, secret string, requireResource string) *testGateway {
	t.Helper()

	mem := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(mem, "/"+testContent, []byte("agent"), 0o644))
	require.NoError(t, afero.WriteFile(mem, "/"+testRequire, []byte("loader"), 0o644))
	res := resources.New(mem)
	m := metrics.NewMetrics()

	srv, err := NewServer(Config{
		SharedSecret:    secret,
		ContentResource: testContent,
		Resources:       res,
		ShutdownTimeout: time.Second,
		Metrics:         m,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)

	reg, err := loader.NewRegistry(loader.Options{
		Host:            srv.Host(),
		RootURL:         testRoot,
		ContentResource: testContent,
		RequireResource: requireResource,
		Resources:       res,
		Logger:          zerolog.Nop(),
		Metrics:         m,
		ConnectTimeout:  2 * time.Second,
	})
	require.NoError(t, err)
	srv.Attach(reg)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = reg.Close()
		hs.Close()
	})
	return &testGateway{srv: srv, reg: reg, http: hs, metrics: m}
}

// recordingModules is a module loader that records what it was asked for.
type recordingModules struct {
	mu  sync.Mutex
	ids []string
}

func (m *recordingModules) Configure(map[string]any) {}

func (m *recordingModules) Require(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, ids...)
	return len(ids), nil
}

func (m *recordingModules) required() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

var echoEvaluator = content.EvaluatorFunc(func(_ context.Context, source string, _ map[string]any, args []any) (any, error) {
	return map[string]any{"source": source, "args": args}, nil
})

func connectAgent(t *testing.T, g *testGateway, opts DialOptions, agentOpts content.Options) *content.Agent {
	t.Helper()

	opts.URL = g.wsURL()
	opts.Logger = zerolog.Nop()
	port, err := Dial(context.Background(), opts)
	require.NoError(t, err)

	agentOpts.RootURL = testRoot
	if agentOpts.Evaluator == nil {
		agentOpts.Evaluator = echoEvaluator
	}
	agentOpts.Logger = zerolog.Nop()
	agent, err := content.New(port, agentOpts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	require.Eventually(t, func() bool {
		s, ok := g.reg.Session(opts.Session)
		return ok && s.Connected()
	}, 2*time.Second, 10*time.Millisecond)
	return agent
}

type rpcReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func postRPC(t *testing.T, g *testGateway, secret, method string, params any) (int, rpcReply) {
	t.Helper()

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(RPCRequest{ID: "1", Method: method, Params: raw})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, g.http.URL+"/rpc", bytes.NewReader(body))
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var reply rpcReply
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	}
	return resp.StatusCode, reply
}

func TestServer_AgentJoinsSessionAndRunsRPC(t *testing.T) {
	g := newTestGateway(t, testSecret, "")
	id := loader.SessionID{Target: "tab-1"}
	connectAgent(t, g, DialOptions{Session: id, SharedSecret: testSecret}, content.Options{})

	status, _ := postRPC(t, g, "", "sessions.list", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, reply := postRPC(t, g, testSecret, "session.run", map[string]any{
		"target": "tab-1",
		"source": "func(this, a) { return a }",
		"args":   []any{1, "two"},
	})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, reply.Error)
	assert.JSONEq(t, `{"source":"func(this, a) { return a }","args":[1,"two"]}`, string(reply.Result))

	status, reply = postRPC(t, g, testSecret, "sessions.list", nil)
	require.Equal(t, http.StatusOK, status)
	var sessions []SessionInfo
	require.NoError(t, json.Unmarshal(reply.Result, &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "tab-1", sessions[0].ID)
	assert.True(t, sessions[0].Connected)
	assert.False(t, sessions[0].Incognito)
	assert.True(t, sessions[0].Initialized)

	assert.Equal(t, float64(1), testutil.ToFloat64(g.metrics.ConnectionsTotal.WithLabelValues("success")))
}

func TestServer_SessionRPCErrors(t *testing.T) {
	g := newTestGateway(t, "", "")

	_, reply := postRPC(t, g, "", "session.run", map[string]any{"target": "nope", "source": "x"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, SessionNotFound, reply.Error.Code)
	_, ok := g.reg.Session(loader.SessionID{Target: "nope"})
	assert.False(t, ok, "looking up a missing session must not create it")

	_, reply = postRPC(t, g, "", "session.run", map[string]any{"source": "x"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, InvalidParams, reply.Error.Code)

	_, reply = postRPC(t, g, "", "session.detach", map[string]any{"target": "nope"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, SessionNotFound, reply.Error.Code)

	_, reply = postRPC(t, g, "", "bindings.apply", map[string]any{"name": "missing"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, InvalidParams, reply.Error.Code)

	_, reply = postRPC(t, g, "", "debug.set", map[string]any{})
	require.NotNil(t, reply.Error)
	assert.Equal(t, InvalidParams, reply.Error.Code)
}

func TestServer_NavigationAttachesMatchingBinding(t *testing.T) {
	g := newTestGateway(t, "", testRequire)

	b, err := loader.NewBinding(loader.BindingOptions{
		Name:    "example",
		Include: []string{"https://example.test/*"},
		Modules: loader.ModuleIDs("a", "b"),
		Entry:   &loader.Entry{Source: "main"},
	})
	require.NoError(t, err)
	require.NoError(t, g.reg.Register(b))

	matched := make(chan *loader.Attachment, 1)
	b.OnMatch().Add(func(ev loader.MatchEvent) { matched <- ev.Attachment })

	modules := &recordingModules{}
	connectAgent(t, g, DialOptions{
		Session: loader.SessionID{Target: "tab-1"},
		PageURL: "https://example.test/page",
	}, content.Options{RequireResource: testRequire, Modules: modules})

	var att *loader.Attachment
	select {
	case att = <-matched:
	case <-time.After(2 * time.Second):
		t.Fatal("binding did not match")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := att.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"main","args":[]}`, string(result))
	assert.Equal(t, []string{"a", "b"}, modules.required())
	assert.Equal(t, "https://example.test/page", att.Session().URL())
}

func TestServer_BindingsApplyOverRPC(t *testing.T) {
	g := newTestGateway(t, "", "")

	b, err := loader.NewBinding(loader.BindingOptions{
		Name:    "late",
		Include: []string{"https://example.test/*"},
		Frames:  loader.FramesMatching,
		Entry:   &loader.Entry{Source: "late"},
	})
	require.NoError(t, err)

	connectAgent(t, g, DialOptions{Session: loader.SessionID{Target: "tab-1"}, PageURL: "https://example.test/"}, content.Options{})
	connectAgent(t, g, DialOptions{Session: loader.SessionID{Target: "tab-1", Frame: "f1"}, PageURL: "https://example.test/frame"}, content.Options{})
	connectAgent(t, g, DialOptions{Session: loader.SessionID{Target: "tab-2"}, PageURL: "https://other.test/"}, content.Options{})
	require.NoError(t, g.reg.Register(b))

	_, reply := postRPC(t, g, "", "bindings.list", nil)
	var bindings []BindingInfo
	require.NoError(t, json.Unmarshal(reply.Result, &bindings))
	require.Len(t, bindings, 1)
	assert.Equal(t, "late", bindings[0].Name)
	assert.Equal(t, []string{"https://example.test/*"}, bindings[0].Include)

	_, reply = postRPC(t, g, "", "bindings.apply", map[string]any{"name": "late"})
	require.Nil(t, reply.Error)
	var applied struct {
		Applied []string          `json:"applied"`
		Failed  map[string]string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &applied))
	assert.Equal(t, []string{"tab-1", "tab-1/f1"}, applied.Applied)
	assert.Empty(t, applied.Failed)
}

func TestServer_ObserverSeesSessionLifecycle(t *testing.T) {
	g := newTestGateway(t, testSecret, "")

	var mu sync.Mutex
	var events []EventMessage
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Subscribe(ctx, g.wsURL(), testSecret, func(msg EventMessage) {
			mu.Lock()
			events = append(events, msg)
			mu.Unlock()
		})
	}()
	require.Eventually(t, func() bool { return len(g.srv.clients.Observers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	id := loader.SessionID{Target: "tab-1"}
	agent := connectAgent(t, g, DialOptions{Session: id, SharedSecret: testSecret}, content.Options{})
	require.NoError(t, agent.Close())

	seen := func(name string) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range events {
			if ev.Event == name {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return seen("session.remove") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, seen("sessions.snapshot"))
	assert.True(t, seen("session.connected"))

	_, ok := g.reg.Session(id)
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return len(g.srv.clients.Agents()) == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestServer_ObserverRPC(t *testing.T) {
	g := newTestGateway(t, "", "")

	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(RPCRequest{ID: "42", Method: "clients.list"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"method": "clients.list"}))

	var reply rpcReply
	var invalid rpcReply
	for reply.ID == "" || invalid.Error == nil {
		var msg map[string]json.RawMessage
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&msg))
		if _, ok := msg["jsonrpc"]; !ok {
			continue
		}
		raw, _ := json.Marshal(msg)
		var r rpcReply
		require.NoError(t, json.Unmarshal(raw, &r))
		if r.ID == "42" {
			reply = r
		} else {
			invalid = r
		}
	}

	var clients []ClientInfo
	require.NoError(t, json.Unmarshal(reply.Result, &clients))
	require.Len(t, clients, 1)
	assert.Equal(t, KindObserver, clients[0].Kind)
	assert.Equal(t, InvalidRequest, invalid.Error.Code)
}

func TestServer_RejectsBadAgents(t *testing.T) {
	g := newTestGateway(t, testSecret, "")
	ctx := context.Background()

	_, err := Dial(ctx, DialOptions{URL: g.wsURL(), Session: loader.SessionID{Target: "tab-1"}, Name: "other", SharedSecret: testSecret})
	assert.Error(t, err)

	_, err = Dial(ctx, DialOptions{URL: g.wsURL(), Session: loader.SessionID{Target: "tab-1"}, SharedSecret: "wrong"})
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = Dial(ctx, DialOptions{URL: g.wsURL(), SharedSecret: testSecret})
	assert.Error(t, err, "target is required")

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(g.metrics.ConnectionsTotal.WithLabelValues("rejected")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	_, ok := g.reg.Session(loader.SessionID{Target: "tab-1"})
	assert.False(t, ok)
}

func TestServer_ConnectionLimit(t *testing.T) {
	g := newTestGateway(t, "", "")
	g.srv.connLimiter.UpdateLimits(0, 1)

	connectAgent(t, g, DialOptions{Session: loader.SessionID{Target: "tab-1"}}, content.Options{})

	_, err := Dial(context.Background(), DialOptions{URL: g.wsURL(), Session: loader.SessionID{Target: "tab-2"}})
	assert.Error(t, err)
}

func TestAgentHost(t *testing.T) {
	g := newTestGateway(t, "", "")
	host := g.srv.Host()
	ctx := context.Background()

	now := time.Now()
	g.srv.clients.Add(&Client{ID: "a", Kind: KindAgent, Session: loader.SessionID{Target: "tab-2", Frame: "f1"}, URL: "https://b.test/f", ConnectedAt: now})
	g.srv.clients.Add(&Client{ID: "b", Kind: KindAgent, Session: loader.SessionID{Target: "tab-2"}, URL: "https://b.test/", Incognito: true, ConnectedAt: now.Add(time.Millisecond)})
	g.srv.clients.Add(&Client{ID: "c", Kind: KindAgent, Session: loader.SessionID{Target: "tab-1"}, URL: "https://a.test/", ConnectedAt: now.Add(2 * time.Millisecond)})
	g.srv.clients.Add(&Client{ID: "d", Kind: KindObserver, ConnectedAt: now})

	targets, err := host.Targets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []loader.TargetInfo{{ID: "tab-1"}, {ID: "tab-2", Incognito: true}}, targets)

	frames, err := host.Frames(ctx, "tab-2")
	require.NoError(t, err)
	assert.Equal(t, []loader.FrameInfo{{ID: "", URL: "https://b.test/"}, {ID: "f1", URL: "https://b.test/f"}}, frames)

	assert.NoError(t, host.Inject(ctx, loader.SessionID{Target: "tab-1"}, testContent))
	assert.ErrorIs(t, host.Inject(ctx, loader.SessionID{Target: "tab-9"}, testContent), ErrAgentNotConnected)
	assert.ErrorIs(t, host.Inject(ctx, loader.SessionID{Target: "tab-1"}, testRequire), loader.ErrUnknownSession)
}

func TestServer_HealthAndSessions(t *testing.T) {
	g := newTestGateway(t, "", "")
	connectAgent(t, g, DialOptions{Session: loader.SessionID{Target: "tab-1"}}, content.Options{})

	resp, err := http.Get(g.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(g.http.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var sessions []SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "tab-1", sessions[0].Target)

	resp, err = http.Get(g.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	srv, err := NewServer(Config{ContentResource: testContent, TickInterval: 10 * time.Millisecond, ShutdownTimeout: time.Second, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	assert.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, srv.Stop())
}

func TestNewServer_RequiresContentResource(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}
