package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/aosgate/internal/tracing"
	"github.com/harun/aosgate/pkg/authz"
	"github.com/harun/aosgate/pkg/dispatcher"
	"github.com/harun/aosgate/pkg/faults"
)

// ToolInfo is one entry of tools/list.
type ToolInfo struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	InputSchema   map[string]interface{} `json:"inputSchema"`
	Mutating      bool                   `json:"mutating"`
	RequiredRoles []string               `json:"requiredRoles"`
	Allowed       bool                   `json:"allowed"`
}

func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("ping", s.handlePing)
	_ = s.router.RegisterMethod("tools/list", s.handleToolsList)
	_ = s.router.RegisterMethod("tools/call", s.handleToolsCall)
	_ = s.router.RegisterMethod("gateway/clients", s.handleClients)
}

func (s *Server) handlePing(_ context.Context, caller *authz.ToolContext, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"pong":   true,
		"userId": caller.UserID,
		"time":   time.Now().UTC(),
	}, nil
}

func (s *Server) handleToolsList(_ context.Context, caller *authz.ToolContext, _ map[string]interface{}) (interface{}, error) {
	tools := s.dispatcher.Registry().List()
	out := make([]ToolInfo, 0, len(tools))
	for _, tool := range tools {
		info := ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: dispatcher.InputSchema(tool.Parameters),
			Mutating:    tool.Mutating,
			Allowed:     true,
		}
		if s.authz != nil {
			info.RequiredRoles = s.authz.Roles().RequiredRoles(tool.Name)
			info.Allowed = s.authz.IsAuthorized(caller, info.RequiredRoles)
		}
		out = append(out, info)
	}
	return map[string]interface{}{"tools": out}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, caller *authz.ToolContext, params map[string]interface{}) (interface{}, error) {
	name, _ := params["name"].(string)
	if name == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "params.name is required"}
	}

	req := dispatcher.Request{Tool: name}
	switch args := params["arguments"].(type) {
	case nil:
	case map[string]interface{}:
		req.Args = args
	default:
		return nil, &RPCError{Code: InvalidParams, Message: "params.arguments must be an object"}
	}
	req.IdempotencyKey, _ = params["idempotencyKey"].(string)
	req.ApprovalID, _ = params["approvalId"].(string)

	resp, err := s.dispatcher.Invoke(ctx, caller, req)
	if err != nil {
		rpcErr := toRPCError(err)
		if data, ok := rpcErr.Data.(ErrorData); ok && resp.ApprovalID != "" {
			data.ApprovalID = resp.ApprovalID
			rpcErr.Data = data
		}
		return nil, rpcErr
	}
	return resp, nil
}

func (s *Server) handleClients(_ context.Context, _ *authz.ToolContext, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients": s.clients.GetConnectedClients(),
		"methods": s.router.GetMethods(),
	}, nil
}

// callerFor copies the connection identity with a fresh correlation id so
// concurrent calls on one socket stay distinguishable.
func callerFor(identity *authz.ToolContext, params map[string]interface{}) *authz.ToolContext {
	tc := *identity
	tc.CorrelationID, _ = params["correlationId"].(string)
	if tc.CorrelationID == "" {
		tc.CorrelationID = tracing.NewCorrelationID()
	}
	return &tc
}

var kindCodes = map[faults.Kind]int{
	faults.KindUnauthorized:      AuthenticationRequired,
	faults.KindForbidden:         PermissionDenied,
	faults.KindNotFound:          NotFoundError,
	faults.KindInvalidInput:      InvalidParams,
	faults.KindApprovalRequired:  ApprovalPending,
	faults.KindApprovalRejected:  ApprovalDenied,
	faults.KindApprovalExpired:   ApprovalDenied,
	faults.KindRateLimited:       RateLimitExceeded,
	faults.KindCircuitOpen:       BackendUnavailable,
	faults.KindBackendFailure:    BackendUnavailable,
	faults.KindDeliveryExhausted: InternalError,
}

// toRPCError classifies err by fault kind.
func toRPCError(err error) *RPCError {
	kind := faults.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
	return &RPCError{
		Code:    code,
		Message: err.Error(),
		Data: ErrorData{
			Kind:         string(kind),
			RetryAfterMs: faults.RetryAfterOf(err).Milliseconds(),
		},
	}
}

func describe(req *RPCRequest) string {
	return fmt.Sprintf("%s#%s", req.Method, req.ID)
}
