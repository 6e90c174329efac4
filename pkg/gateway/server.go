// Package gateway exposes the tool dispatcher to MCP-style clients over
// JSON-RPC 2.0, either as single-shot HTTP requests or over a WebSocket
// that also streams domain events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/aosgate/internal/tracing"
	"github.com/harun/aosgate/pkg/authz"
	"github.com/harun/aosgate/pkg/dispatcher"
	"github.com/harun/aosgate/pkg/eventbus"
)

// Identity and tracing headers of the HTTP transport.
const (
	headerSecret        = "X-Aosgate-Secret"
	headerUserID        = "X-User-Id"
	headerRoles         = "X-User-Roles"
	headerCorrelationID = "X-Correlation-Id"
	headerTraceID       = "X-Trace-Id"
)

const maxRequestBytes = 1 << 20

// Config holds server configuration
type Config struct {
	Addr          string
	SharedSecret  string
	MaxConcurrent int // per WebSocket client, 0 means unlimited
	Dispatcher    *dispatcher.Dispatcher
	Authz         *authz.Gate
	Bus           *eventbus.Bus
	// Extra handlers mounted on the same mux, e.g. /metrics and /healthz.
	Extra  map[string]http.Handler
	Logger zerolog.Logger
}

// Server is the JSON-RPC gateway
type Server struct {
	addr          string
	maxConcurrent int
	dispatcher    *dispatcher.Dispatcher
	authz         *authz.Gate
	server        *http.Server
	listener      net.Listener
	mux           *http.ServeMux
	upgrader      websocket.Upgrader
	clients       *ClientRegistry
	router        *RPCRouter
	authHandler   *AuthHandler
	broadcaster   *EventBroadcaster
	detach        func()
	logger        zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	if cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("invalid max concurrent: %d", cfg.MaxConcurrent)
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		addr:          cfg.Addr,
		maxConcurrent: cfg.MaxConcurrent,
		dispatcher:    cfg.Dispatcher,
		authz:         cfg.Authz,
		clients:       clients,
		router:        NewRPCRouter(),
		authHandler:   NewAuthHandler(cfg.SharedSecret),
		broadcaster:   NewEventBroadcaster(clients, logger),
		logger:        logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.registerBuiltinMethods()

	if cfg.Bus != nil {
		s.detach = s.broadcaster.Attach(cfg.Bus)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/rpc", s.handleRPC)
	for pattern, handler := range cfg.Extra {
		s.mux.Handle(pattern, handler)
	}

	return s, nil
}

// Handler returns the HTTP handler serving every gateway route
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests, closes clients and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	if s.detach != nil {
		s.detach()
	}

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with requests in flight")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
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

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
	}
	s.clients.Add(client)

	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}
	client.Challenge = challenge
	client.setState(StateAuthenticating)

	return client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage returns false when the connection should be closed.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		return true
	}

	if !client.begin(s.maxConcurrent) {
		s.sendError(client, req.ID, TooManyConcurrent, "too many concurrent requests")
		return true
	}
	s.inFlightReqs.Add(1)

	caller := callerFor(client.Identity(), req.Params)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.end()

		ctx := tracing.WithTraceID(context.Background(), tracing.NewCorrelationID())
		response := s.router.RouteRequest(ctx, caller, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Warn().Err(err).Str("clientId", client.ID).Str("request", describe(req)).Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result := s.authHandler.HandleAuthResponse(client, authResp)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if !result.Success {
		s.logger.Warn().Str("clientId", client.ID).Str("reason", result.Message).Msg("Authentication failed")
		return client.AuthAttempts < maxAuthAttempts
	}

	s.logger.Info().Str("clientId", client.ID).Str("user", client.Identity().UserID).Msg("Client authenticated")
	return true
}

// handleRPC serves single-shot HTTP JSON-RPC requests. The caller is taken
// from the identity headers.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(headerSecret)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	caller, err := identityFromHeaders(r.Header.Get(headerUserID), r.Header.Get(headerRoles), r.Header.Get(headerCorrelationID))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	traceID := r.Header.Get(headerTraceID)
	if traceID == "" {
		traceID = tracing.NewCorrelationID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)

	s.inFlightReqs.Add(1)
	resp := s.router.RouteRequest(ctx, caller, req)
	s.inFlightReqs.Done()

	w.Header().Set(headerCorrelationID, caller.CorrelationID)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Str("request", describe(req)).Msg("Failed to encode RPC response")
	}
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	}
	if err := client.WriteJSON(response); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to send error response")
	}
}

// RegisterMethod registers an additional RPC method
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
