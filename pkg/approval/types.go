package approval

import (
	"time"
)

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusNotFound Status = "not_found"
)

// Request describes an operation that may need a human decision.
type Request struct {
	Type        string                 `json:"type"`
	Requester   string                 `json:"requester"`
	Description string                 `json:"description"`
	Amount      *float64               `json:"amount,omitempty"`
	Currency    string                 `json:"currency,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Timeout     *time.Duration         `json:"timeout,omitempty"`
	// Fingerprint identifies the exact call being approved; a resubmission
	// must carry the same one.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Result is returned by RequestApproval.
type Result struct {
	ApprovalID       string   `json:"approval_id"`
	RequiresApproval bool     `json:"requires_approval"`
	AutoApproved     bool     `json:"auto_approved"`
	Reason           string   `json:"reason"`
	Approvers        []string `json:"approvers,omitempty"`
}

// PendingApproval is a request waiting for, or holding, a human decision.
type PendingApproval struct {
	ID         string     `json:"id"`
	Request    Request    `json:"request"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Status     Status     `json:"status"`
	ApproverID string     `json:"approver_id,omitempty"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}
