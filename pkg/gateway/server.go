// Package gateway accepts context agents and operators over websockets. Agents
// dial /ws and become the channel of their session in a loader registry;
// operators subscribe to session events on /events and drive sessions
// through JSON-RPC.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harun/frameloader/internal/metrics"
	"github.com/harun/frameloader/pkg/channel"
	"github.com/harun/frameloader/pkg/loader"
	"github.com/rs/zerolog"
)

const (
	writeWait = 10 * time.Second

	// SecretHeader carries the shared secret on HTTP RPC requests.
	SecretHeader = "X-Frameloader-Secret"
	// RequestIDHeader optionally names an HTTP RPC request in logs.
	RequestIDHeader = "X-Request-Id"
)

// ErrNoRegistry is returned by methods that need a loader registry before
// one was attached.
var ErrNoRegistry = errors.New("no loader registry attached")

// Server is the gateway server
type Server struct {
	cfg         Config
	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	connLimiter *RateLimiter
	rpcLimiter  *RateLimiter
	host        *AgentHost
	registry    atomic.Pointer[loader.Registry]
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup

	watchMu sync.Mutex
	watched map[*loader.Session]struct{}
}

// Config holds server configuration
type Config struct {
	Addr string
	// SharedSecret enables the challenge handshake on websockets and the
	// secret header on /rpc. Empty disables both.
	SharedSecret string
	// ContentResource must match the registry's; injecting it into a
	// session only requires its agent to be connected.
	ContentResource string
	Resources       loader.ResourceReader
	// TickInterval paces the heartbeat event sent to observers. Zero
	// disables it.
	TickInterval time.Duration

	ConnectionsPerMinute  int
	MaxConnectionsPerIP   int
	RequestsPerMinute     int
	MaxConcurrentRequests int
	ShutdownTimeout       time.Duration

	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.ContentResource == "" {
		return nil, fmt.Errorf("content resource is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 10
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		cfg:         cfg,
		clients:     clients,
		router:      NewRPCRouter(),
		authHandler: NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, logger),
		connLimiter: NewRateLimiter(cfg.ConnectionsPerMinute, cfg.MaxConnectionsPerIP),
		rpcLimiter:  NewRateLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrentRequests),
		metrics:     cfg.Metrics,
		logger:      logger,
		watched:     make(map[*loader.Session]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.host = &AgentHost{s: s}

	s.registerBuiltinMethods()

	return s, nil
}

// Host returns the loader host backed by the agents connected to s.
func (s *Server) Host() *AgentHost {
	return s.host
}

// Attach hands s the registry that connected agents join. The registry is
// usually created with s.Host().
func (s *Server) Attach(reg *loader.Registry) {
	s.registry.Store(reg)
}

func (s *Server) loaderRegistry() (*loader.Registry, error) {
	reg := s.registry.Load()
	if reg == nil {
		return nil, ErrNoRegistry
	}
	return reg, nil
}

func (s *Server) existingSession(id loader.SessionID) (*loader.Session, bool) {
	reg := s.registry.Load()
	if reg == nil {
		return nil, false
	}
	return reg.Session(id)
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleAgent)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the address the server listens on after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gateway server. Closing the agents' connections
// destroys their sessions.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]any{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	s.watchMu.Lock()
	s.watched = make(map[*loader.Session]struct{})
	s.watchMu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	if s.cfg.TickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]any{
					"status":  "alive",
					"clients": s.clients.Count(),
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// upgrade admits, upgrades and authenticates a websocket connection. On
// success the caller owns release.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, func(), bool) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return nil, nil, false
	}

	release, err := s.connLimiter.Acquire(remoteIP(r))
	if err != nil {
		s.metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return nil, nil, false
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		s.metrics.ConnectionsTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return nil, nil, false
	}

	if err := s.authHandler.Authenticate(conn); err != nil {
		release()
		_ = conn.Close()
		s.metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn().Err(err).Str("ip", r.RemoteAddr).Msg("Authentication failed")
		return nil, nil, false
	}
	return conn, release, true
}

// handleAgent adopts a context agent's connection as its session's channel.
//
// Query parameters: target (required), frame, url, incognito and name, the
// port name the registry expects.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	reg, err := s.loaderRegistry()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	id := loader.SessionID{Target: q.Get("target"), Frame: q.Get("frame")}
	if id.Target == "" {
		http.Error(w, "target is required", http.StatusBadRequest)
		return
	}
	if name := q.Get("name"); name != reg.PortName() {
		s.metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		http.Error(w, fmt.Sprintf("%v: %q", loader.ErrInvalidPortName, name), http.StatusBadRequest)
		return
	}
	incognito, _ := strconv.ParseBool(q.Get("incognito"))

	conn, release, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		Kind:        KindAgent,
		Conn:        conn,
		Session:     id,
		URL:         q.Get("url"),
		Incognito:   incognito,
		ConnectedAt: time.Now(),
		IPAddress:   r.RemoteAddr,
	}
	logger := s.logger.With().Str("clientId", client.ID).Str("session", id.String()).Logger()

	port := &agentPort{WebSocketPort: channel.NewWebSocketPort(conn, logger)}
	port.cleanup = func() {
		release()
		if s.clients.Remove(client.ID) {
			logger.Info().Msg("Agent disconnected")
		}
	}
	s.clients.Add(client)

	// A committed navigation replaces the root session before the agent
	// joins it; bindings matching the URL wait for the channel below.
	if client.URL != "" {
		reg.HandleNavigation(loader.Navigation{Target: id.Target, Frame: id.Frame, URL: client.URL, Incognito: incognito})
	}

	sess, err := reg.Connect(port, loader.ConnectInfo{
		Target:    id.Target,
		Frame:     id.Frame,
		Incognito: incognito,
		Name:      q.Get("name"),
	})
	if err != nil {
		port.release()
		s.metrics.ConnectionsTotal.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Msg("Failed to connect agent")
		return
	}

	s.metrics.ConnectionsTotal.WithLabelValues("success").Inc()
	logger.Info().Str("ip", r.RemoteAddr).Str("url", client.URL).Msg("Agent connected")

	s.watchSession(sess)
	s.broadcaster.BroadcastSession("session.connected", sessionInfo(sess))
}

// watchSession forwards the visibility and removal of sess to observers.
func (s *Server) watchSession(sess *loader.Session) {
	s.watchMu.Lock()
	if _, ok := s.watched[sess]; ok {
		s.watchMu.Unlock()
		return
	}
	s.watched[sess] = struct{}{}
	s.watchMu.Unlock()

	sess.OnShow().Add(func(sess *loader.Session) {
		s.broadcaster.BroadcastSession("session.show", sessionInfo(sess))
	})
	sess.OnHide().Add(func(sess *loader.Session) {
		s.broadcaster.BroadcastSession("session.hide", sessionInfo(sess))
	})
	sess.OnRemove().Add(func(sess *loader.Session) {
		s.watchMu.Lock()
		delete(s.watched, sess)
		s.watchMu.Unlock()
		s.broadcaster.BroadcastSession("session.remove", sessionInfo(sess))
	})
}

// handleEvents serves observers: they receive session events and may send
// JSON-RPC requests on the same connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, release, ok := s.upgrade(w, r)
	if !ok {
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		Kind:        KindObserver,
		Conn:        conn,
		ConnectedAt: time.Now(),
		IPAddress:   r.RemoteAddr,
	}
	s.clients.Add(client)
	s.metrics.ConnectionsTotal.WithLabelValues("success").Inc()
	s.logger.Info().Str("clientId", client.ID).Str("ip", r.RemoteAddr).Msg("Observer connected")

	var sessions []SessionInfo
	if reg := s.registry.Load(); reg != nil {
		for _, sess := range reg.Sessions() {
			sessions = append(sessions, sessionInfo(sess))
		}
	}
	if err := client.WriteJSON(EventMessage{
		Type:      "event",
		Event:     "sessions.snapshot",
		Data:      sessions,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to send snapshot")
	}

	go s.handleClient(client, release)
}

// handleClient handles messages from an observer
func (s *Server) handleClient(client *Client, release func()) {
	defer func() {
		release()
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Observer disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.handleMessage(client, message)
	}
}

// handleMessage handles a single RPC request from an observer
func (s *Server) handleMessage(client *Client, message []byte) {
	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	done, err := s.rpcLimiter.Acquire(client.ID)
	if err != nil {
		code := RateLimitExceeded
		if errors.Is(err, ErrTooManyConcurrent) {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, err.Error())
		return
	}
	s.inFlightReqs.Add(1)

	go func() {
		defer done()
		defer s.inFlightReqs.Done()

		ctx := withRequestID(context.Background(), req.ID)
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.authHandler.Enabled() {
		if !s.authHandler.checkSecret(r.Header.Get(SecretHeader)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	done, err := s.rpcLimiter.Acquire(remoteIP(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}
	defer done()
	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx := withRequestID(r.Context(), requestID)
	logger := loggerFromContext(ctx, s.logger)
	logger.Info().
		Str("rpc_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleSessions lists the registry's sessions.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.authHandler.Enabled() && !s.authHandler.checkSecret(r.Header.Get(SecretHeader)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	infos, err := s.handleSessionsList(r.Context(), noParams{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(infos)
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast broadcasts an event to all observers
func (s *Server) Broadcast(event string, data any) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// UnregisterMethod unregisters an RPC method handler
func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

// agentPort releases the agent's client slot once its connection ends,
// whether the registry closed it or the agent went away.
type agentPort struct {
	*channel.WebSocketPort
	cleanup func()
	once    sync.Once
}

func (p *agentPort) Start(onMessage func(channel.Frame), onDisconnect func(error)) {
	p.WebSocketPort.Start(onMessage, func(err error) {
		p.release()
		onDisconnect(err)
	})
}

func (p *agentPort) Close() error {
	err := p.WebSocketPort.Close()
	p.release()
	return err
}

func (p *agentPort) release() {
	p.once.Do(p.cleanup)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
