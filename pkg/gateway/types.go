package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/aosgate/pkg/authz"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	JSONRPC string                 `json:"jsonrpc"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// ErrorData is attached to tool call failures so clients can branch on the
// fault kind.
type ErrorData struct {
	Kind         string `json:"kind"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	ApprovalID   string `json:"approvalId,omitempty"`
}

// EventMessage is a server-initiated domain event push
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// AuthChallenge is sent to every new WebSocket client
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse answers the challenge and declares the caller identity
type AuthResponse struct {
	Method    string   `json:"method"`
	Signature string   `json:"signature"`
	UserID    string   `json:"userId"`
	Roles     []string `json:"roles"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	InFlight      int       `json:"inFlight"`
	Idle          bool      `json:"idle"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
)

// RPC error codes. The -320xx range carries fault kinds.
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	PermissionDenied       = -32002
	NotFoundError          = -32003
	ApprovalPending        = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	BackendUnavailable     = -32007
	ApprovalDenied         = -32008
)

// Client represents a connected WebSocket client
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	// Challenge and AuthAttempts are only touched by the read loop.
	Challenge    string
	AuthAttempts int

	writeMu  sync.Mutex
	mu       sync.Mutex
	state    ClientState
	identity *authz.ToolContext
	inFlight int
}

func (c *Client) setState(state ClientState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Client) authenticate(identity *authz.ToolContext) {
	c.mu.Lock()
	c.state = StateAuthenticated
	c.identity = identity
	c.mu.Unlock()
}

// Authenticated reports whether the client passed the challenge.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateAuthenticated
}

// Identity returns the caller declared during authentication.
func (c *Client) Identity() *authz.ToolContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// WriteJSON serializes writes; a gorilla connection allows one writer at a time.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes a pre-encoded frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Client) begin(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > 0 && c.inFlight >= limit {
		return false
	}
	c.inFlight++
	return true
}

func (c *Client) end() {
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
}

func (c *Client) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}
