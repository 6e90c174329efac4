// Package dispatcher runs tool invocations through the resilience pipeline:
// authorization, rate limiting, argument validation, idempotent replay,
// approval, the guarded backend call and finally event publication.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/aosgate/internal/observability"
	"github.com/harun/aosgate/internal/tracing"
	"github.com/harun/aosgate/pkg/approval"
	"github.com/harun/aosgate/pkg/authz"
	"github.com/harun/aosgate/pkg/eventbus"
	"github.com/harun/aosgate/pkg/faults"
	"github.com/harun/aosgate/pkg/idempotency"
	"github.com/harun/aosgate/pkg/ratelimit"
)

const (
	tracerName      = "github.com/harun/aosgate/pkg/dispatcher"
	maxAuditPayload = 10 * 1024
)

// Request asks for one tool invocation.
type Request struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
	// IdempotencyKey overrides the key derived from the arguments.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	// ApprovalID resubmits a call that was held for approval.
	ApprovalID string `json:"approvalId,omitempty"`
}

// Response is the outcome of a successful invocation, or of one held for
// approval (ApprovalID set alongside an ApprovalRequired fault).
type Response struct {
	Tool          string          `json:"tool"`
	CorrelationID string          `json:"correlationId"`
	Result        json.RawMessage `json:"result,omitempty"`
	Replayed      bool            `json:"replayed,omitempty"`
	ApprovalID    string          `json:"approvalId,omitempty"`
	AutoApproved  bool            `json:"autoApproved,omitempty"`
	Events        []string        `json:"events,omitempty"`
	DurationMs    int64           `json:"durationMs"`
}

// Options wires a Dispatcher. Limiter, Idempotency, Approvals, Bus and Audit
// are optional.
type Options struct {
	Registry       *Registry
	Authz          *authz.Gate
	Limiter        ratelimit.Limiter
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Approvals      *approval.Gate
	Bus            *eventbus.Bus
	Audit          observability.Sink
	Logger         zerolog.Logger
}

// Dispatcher executes tool requests.
type Dispatcher struct {
	registry       *Registry
	authz          *authz.Gate
	limiter        ratelimit.Limiter
	idem           idempotency.Store
	idempotencyTTL time.Duration
	approvals      *approval.Gate
	bus            *eventbus.Bus
	audit          observability.Sink
	logger         zerolog.Logger
}

// New creates a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if opts.Authz == nil {
		return nil, fmt.Errorf("authorization gate is required")
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.Disabled{}
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Audit == nil {
		opts.Audit = observability.NopSink{}
	}

	observability.EnsureRegistered()

	return &Dispatcher{
		registry:       opts.Registry,
		authz:          opts.Authz,
		limiter:        opts.Limiter,
		idem:           opts.Idempotency,
		idempotencyTTL: opts.IdempotencyTTL,
		approvals:      opts.Approvals,
		bus:            opts.Bus,
		audit:          opts.Audit,
		logger:         opts.Logger.With().Str("component", "dispatcher").Logger(),
	}, nil
}

// Registry returns the tool registry.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Invoke runs one tool call for the caller in tc.
func (d *Dispatcher) Invoke(ctx context.Context, tc *authz.ToolContext, req Request) (Response, error) {
	start := time.Now()

	var userID, correlationID string
	if tc != nil {
		userID, correlationID = tc.UserID, tc.CorrelationID
	}
	ctx = tracing.NewInvocationContext(ctx, userID, correlationID, req.Tool)
	correlationID = tracing.GetCorrelationID(ctx)

	ctx, span := tracing.StartSpan(ctx, tracerName, "tool.invoke",
		attribute.String("tool.name", req.Tool),
		attribute.String("tool.user", userID),
		attribute.String("tool.correlation_id", correlationID),
	)
	defer span.End()

	resp, err := d.invoke(ctx, tc, req)
	resp.Tool = req.Tool
	resp.CorrelationID = correlationID
	resp.DurationMs = time.Since(start).Milliseconds()

	span.SetAttributes(attribute.Bool("tool.replayed", resp.Replayed))
	kind := string(faults.KindOf(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}

	observability.RecordToolInvocation(req.Tool, time.Since(start), err == nil, kind)
	d.recordAudit(ctx, userID, correlationID, req, resp, err)

	logger := tracing.LoggerFromContext(ctx, d.logger)
	if err != nil {
		logger.Warn().Err(err).Str("kind", kind).Int64("duration_ms", resp.DurationMs).Msg("Tool invocation failed")
	} else {
		logger.Debug().Bool("replayed", resp.Replayed).Int64("duration_ms", resp.DurationMs).Msg("Tool invocation succeeded")
	}

	return resp, err
}

func (d *Dispatcher) invoke(ctx context.Context, tc *authz.ToolContext, req Request) (Response, error) {
	if err := d.authz.EnsureTool(tc, req.Tool); err != nil {
		return Response{}, err
	}

	tool, ok := d.registry.Get(req.Tool)
	if !ok {
		return Response{}, faults.NotFound("unknown tool %s", req.Tool)
	}

	if !d.limiter.TryAcquire(tc.UserID) {
		observability.RecordRateLimited(tool.Name)
		info := d.limiter.GetInfo(tc.UserID)
		return Response{}, faults.RateLimited(tc.UserID, info.ResetIn)
	}

	if err := d.registry.Validate(tool.Name, req.Args); err != nil {
		return Response{}, err
	}

	call := Call{UserID: tc.UserID, CorrelationID: tc.CorrelationID, Args: req.Args}
	if call.Args == nil {
		call.Args = map[string]interface{}{}
	}

	var idemKey string
	if tool.Mutating && d.idem != nil {
		key, err := d.idempotencyKey(tc.UserID, tool.Name, req)
		if err != nil {
			return Response{}, err
		}
		idemKey = key

		stored, found, err := d.idem.Get(ctx, idemKey)
		if err != nil {
			return Response{}, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if found {
			observability.RecordIdempotentReplay(tool.Name)
			return Response{Result: stored, Replayed: true}, nil
		}
	}

	var resp Response
	if tool.Value != nil && d.approvals != nil {
		approvalResp, claimed, err := d.checkApproval(ctx, tool, call, req.ApprovalID)
		if err != nil {
			return approvalResp, err
		}
		resp = approvalResp
		if claimed {
			// One approval covers one successful backend call.
			var handlerErr error
			defer func() { d.approvals.Release(approvalResp.ApprovalID, handlerErr == nil) }()
			result, err := tool.Handler(ctx, call)
			handlerErr = err
			return d.complete(ctx, tool, call, idemKey, resp, result, err)
		}
	}

	result, err := tool.Handler(ctx, call)
	return d.complete(ctx, tool, call, idemKey, resp, result, err)
}

// complete stores and publishes the outcome of a successful handler call.
func (d *Dispatcher) complete(ctx context.Context, tool Tool, call Call, idemKey string, resp Response, result interface{}, err error) (Response, error) {
	if err != nil {
		return resp, err
	}
	// A cancelled caller gets nothing stored or published.
	if err := ctx.Err(); err != nil {
		return resp, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return resp, fmt.Errorf("failed to encode %s result: %w", tool.Name, err)
	}
	resp.Result = encoded

	if idemKey != "" {
		if err := d.idem.Set(ctx, idemKey, encoded, d.idempotencyTTL); err != nil {
			logger := tracing.LoggerFromContext(ctx, d.logger)
			logger.Error().Err(err).Msg("Failed to store idempotency record")
		}
	}

	if tool.Events != nil && d.bus != nil {
		for _, evt := range tool.Events(call, result) {
			if evt == nil {
				continue
			}
			err := eventbus.PublishReport(ctx, d.bus, evt)
			observability.RecordEventPublished(evt.EventType(), countErrors(err))
			resp.Events = append(resp.Events, evt.EventType())
		}
	}

	return resp, nil
}

func (d *Dispatcher) idempotencyKey(userID, toolName string, req Request) (string, error) {
	if req.IdempotencyKey != "" {
		return idempotency.CallerKey(userID, toolName, req.IdempotencyKey), nil
	}
	key, err := idempotency.DeriveKey(userID, toolName, req.Args)
	if err != nil {
		return "", faults.InvalidInput("arguments for %s cannot be fingerprinted: %v", toolName, err)
	}
	return key, nil
}

// checkApproval returns an ApprovalRequired fault with the approval id in
// the response while the call is held. claimed reports that an approved
// approval was reserved for this call and must be released.
func (d *Dispatcher) checkApproval(ctx context.Context, tool Tool, call Call, approvalID string) (resp Response, claimed bool, err error) {
	amount, err := tool.Value(ctx, call)
	if err != nil {
		return Response{}, false, err
	}
	if amount == nil {
		return Response{}, false, nil
	}

	fingerprint, err := idempotency.DeriveKey(call.UserID, tool.Name, call.Args)
	if err != nil {
		return Response{}, false, faults.InvalidInput("arguments for %s cannot be fingerprinted: %v", tool.Name, err)
	}

	if approvalID != "" {
		record, ok := d.approvals.Get(approvalID)
		if !ok {
			return Response{}, false, faults.NotFound("approval %s not found", approvalID)
		}
		if record.Request.Type != tool.Name || record.Request.Requester != call.UserID {
			return Response{}, false, faults.Forbidden("approval %s does not cover %s for %s", approvalID, tool.Name, call.UserID)
		}
		if record.Request.Fingerprint != fingerprint {
			return Response{}, false, faults.Forbidden("approval %s was granted for different arguments", approvalID)
		}
		if err := d.approvals.Claim(approvalID); err != nil {
			return Response{ApprovalID: approvalID}, false, err
		}
		return Response{ApprovalID: approvalID}, true, nil
	}

	value := amount.Value
	result, err := d.approvals.RequestApproval(ctx, approval.Request{
		Type:        tool.Name,
		Requester:   call.UserID,
		Description: fmt.Sprintf("%s requested by %s", tool.Name, call.UserID),
		Amount:      &value,
		Currency:    amount.Currency,
		Context:     call.Args,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return Response{}, false, err
	}
	observability.RecordApprovalRequest(tool.Name, result.RequiresApproval)

	if result.RequiresApproval {
		return Response{ApprovalID: result.ApprovalID}, false, faults.ApprovalRequired(result.ApprovalID)
	}
	return Response{ApprovalID: result.ApprovalID, AutoApproved: true}, false, nil
}

func (d *Dispatcher) recordAudit(ctx context.Context, userID, correlationID string, req Request, resp Response, err error) {
	rec := observability.AuditRecord{
		UserID:        userID,
		ToolName:      req.Tool,
		CorrelationID: correlationID,
		Input:         truncateJSON(req.Args),
		Success:       err == nil,
		DurationMs:    resp.DurationMs,
		TraceID:       tracing.GetTraceID(ctx),
		Timestamp:     time.Now().UTC(),
	}
	if len(resp.Result) > 0 && len(resp.Result) <= maxAuditPayload {
		rec.Output = resp.Result
	}
	if err != nil {
		rec.Error = err.Error()
		rec.ErrorKind = string(faults.KindOf(err))
	}

	if auditErr := d.audit.Record(tracing.Detach(ctx), rec); auditErr != nil {
		d.logger.Error().Err(auditErr).Str("tool", req.Tool).Msg("Failed to write audit record")
	}
}

func truncateJSON(v map[string]interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil || len(data) > maxAuditPayload {
		return nil
	}
	return data
}

func countErrors(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
