// Package approval holds high-value operations until a human approves them.
//
// Requests at or below the configured threshold are auto-approved and leave
// no record. Larger requests become pending approvals that expire after the
// request timeout (24h by default).
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harun/aosgate/pkg/faults"
)

// Options configures a Gate.
type Options struct {
	Threshold      float64
	DefaultTimeout time.Duration
	ApproverRoles  []string
	Logger         zerolog.Logger
	// OnRequest is called after a request is recorded as pending.
	OnRequest func(ctx context.Context, pending PendingApproval)
	// OnDecision is called after Approve or Reject records a decision.
	OnDecision func(ctx context.Context, decided PendingApproval)
}

// Gate decides whether an operation needs approval and tracks pending ones.
type Gate struct {
	threshold      float64
	defaultTimeout time.Duration
	approvers      []string
	logger         zerolog.Logger
	onRequest      func(ctx context.Context, pending PendingApproval)
	onDecision     func(ctx context.Context, decided PendingApproval)
	clock          func() time.Time

	mu      sync.RWMutex
	pending map[string]*PendingApproval
	claimed map[string]struct{}
}

// NewGate creates an approval gate.
func NewGate(opts Options) *Gate {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 24 * time.Hour
	}
	if len(opts.ApproverRoles) == 0 {
		opts.ApproverRoles = []string{"MCP_Approver"}
	}
	return &Gate{
		threshold:      opts.Threshold,
		defaultTimeout: opts.DefaultTimeout,
		approvers:      append([]string(nil), opts.ApproverRoles...),
		logger:         opts.Logger.With().Str("component", "approval").Logger(),
		onRequest:      opts.OnRequest,
		onDecision:     opts.OnDecision,
		clock:          time.Now,
		pending:        make(map[string]*PendingApproval),
		claimed:        make(map[string]struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Threshold returns the amount above which approval is required.
func (g *Gate) Threshold() float64 {
	return g.threshold
}

// RequestApproval auto-approves small requests and records large ones as pending.
func (g *Gate) RequestApproval(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	id := uuid.New().String()

	if req.Amount == nil {
		return Result{ApprovalID: id, AutoApproved: true, Reason: "no monetary amount"}, nil
	}
	if *req.Amount <= g.threshold {
		return Result{
			ApprovalID:   id,
			AutoApproved: true,
			Reason:       fmt.Sprintf("amount %.2f %s is within threshold %.2f", *req.Amount, req.Currency, g.threshold),
		}, nil
	}

	timeout := g.defaultTimeout
	if req.Timeout != nil && *req.Timeout > 0 {
		timeout = *req.Timeout
	}

	now := g.clock()
	record := &PendingApproval{
		ID:        id,
		Request:   cloneRequest(req),
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		Status:    StatusPending,
	}

	g.mu.Lock()
	g.pending[id] = record
	snapshot := *record
	g.mu.Unlock()

	g.logger.Info().
		Str("approval_id", id).
		Str("type", req.Type).
		Str("requester", req.Requester).
		Float64("amount", *req.Amount).
		Str("currency", req.Currency).
		Time("expires_at", record.ExpiresAt).
		Msg("Approval required")

	if g.onRequest != nil {
		g.onRequest(ctx, snapshot)
	}

	return Result{
		ApprovalID:       id,
		RequiresApproval: true,
		Reason:           fmt.Sprintf("amount %.2f %s exceeds threshold %.2f", *req.Amount, req.Currency, g.threshold),
		Approvers:        append([]string(nil), g.approvers...),
	}, nil
}

// GetStatus returns the effective status of an approval.
func (g *Gate) GetStatus(approvalID string) Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	record, ok := g.pending[approvalID]
	if !ok {
		return StatusNotFound
	}
	return g.effectiveStatus(record)
}

// Get returns a copy of the approval record.
func (g *Gate) Get(approvalID string) (PendingApproval, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	record, ok := g.pending[approvalID]
	if !ok {
		return PendingApproval{}, false
	}
	out := *record
	out.Status = g.effectiveStatus(record)
	return out, true
}

// Approve records an approval decision. It returns false for unknown or
// expired ids.
func (g *Gate) Approve(ctx context.Context, approvalID, approverID, comment string) bool {
	return g.decide(ctx, approvalID, approverID, comment, StatusApproved)
}

// Reject records a rejection. It returns false for unknown or expired ids.
func (g *Gate) Reject(ctx context.Context, approvalID, approverID, comment string) bool {
	return g.decide(ctx, approvalID, approverID, comment, StatusRejected)
}

func (g *Gate) decide(ctx context.Context, approvalID, approverID, comment string, status Status) bool {
	now := g.clock()

	g.mu.Lock()
	record, ok := g.pending[approvalID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	// Expiry is terminal; the caller has to resubmit the original request.
	if g.effectiveStatus(record) == StatusExpired {
		record.Status = StatusExpired
		g.mu.Unlock()
		g.logger.Warn().Str("approval_id", approvalID).Str("approver_id", approverID).Msg("Decision on expired approval ignored")
		return false
	}
	record.Status = status
	record.ApproverID = approverID
	record.DecidedAt = &now
	record.Comment = comment
	decided := *record
	g.mu.Unlock()

	g.logger.Info().
		Str("approval_id", approvalID).
		Str("approver_id", approverID).
		Str("status", string(status)).
		Msg("Approval decided")

	if g.onDecision != nil {
		g.onDecision(ctx, decided)
	}
	return true
}

// Check maps an approval's state to the fault a caller should see.
// It returns nil once the approval is granted.
func (g *Gate) Check(approvalID string) error {
	switch g.GetStatus(approvalID) {
	case StatusApproved:
		return nil
	case StatusPending:
		return faults.ApprovalRequired(approvalID)
	case StatusRejected:
		return faults.ApprovalRejected(approvalID)
	case StatusExpired:
		return faults.ApprovalExpired(approvalID)
	default:
		return faults.NotFound("approval %s not found", approvalID)
	}
}

// Claim reserves an approved approval for one call. The claim ends with
// Release; a released claim that was used consumes the approval for good.
func (g *Gate) Claim(approvalID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	record, ok := g.pending[approvalID]
	if !ok {
		return faults.NotFound("approval %s not found", approvalID)
	}
	switch g.effectiveStatus(record) {
	case StatusApproved:
	case StatusPending:
		return faults.ApprovalRequired(approvalID)
	case StatusRejected:
		return faults.ApprovalRejected(approvalID)
	default:
		return faults.ApprovalExpired(approvalID)
	}
	if record.ConsumedAt != nil {
		return faults.Forbidden("approval %s has already been used", approvalID)
	}
	if _, busy := g.claimed[approvalID]; busy {
		return faults.Forbidden("approval %s is in use by another call", approvalID)
	}
	g.claimed[approvalID] = struct{}{}
	return nil
}

// Release ends a claim. used marks the approval consumed.
func (g *Gate) Release(approvalID string, used bool) {
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.claimed, approvalID)
	if record, ok := g.pending[approvalID]; ok && used {
		record.ConsumedAt = &now
	}
}

// List returns approvals with the given effective status, oldest first.
// An empty status lists everything.
func (g *Gate) List(status Status) []PendingApproval {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]PendingApproval, 0, len(g.pending))
	for _, record := range g.pending {
		effective := g.effectiveStatus(record)
		if status != "" && effective != status {
			continue
		}
		item := *record
		item.Status = effective
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ExpireStale marks elapsed pending approvals as expired and returns how many changed.
func (g *Gate) ExpireStale() int {
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	expired := 0
	for _, record := range g.pending {
		if record.Status == StatusPending && now.After(record.ExpiresAt) {
			record.Status = StatusExpired
			expired++
		}
	}
	if expired > 0 {
		g.logger.Debug().Int("count", expired).Msg("Expired stale approvals")
	}
	return expired
}

// effectiveStatus must be called with g.mu held.
func (g *Gate) effectiveStatus(record *PendingApproval) Status {
	if record.Status == StatusPending && g.clock().After(record.ExpiresAt) {
		return StatusExpired
	}
	return record.Status
}

func cloneRequest(req Request) Request {
	out := req
	if req.Amount != nil {
		amount := *req.Amount
		out.Amount = &amount
	}
	if req.Timeout != nil {
		timeout := *req.Timeout
		out.Timeout = &timeout
	}
	if req.Context != nil {
		out.Context = make(map[string]interface{}, len(req.Context))
		for k, v := range req.Context {
			out.Context[k] = v
		}
	}
	return out
}
