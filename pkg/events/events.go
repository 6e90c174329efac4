// Package events defines the domain events published after successful
// backend operations. Events are values; handlers must not modify them.
package events

import (
	"time"
)

// Event is implemented by every domain event.
type Event interface {
	// EventType is the name subscribers filter on.
	EventType() string
	// Fields is a flat view of the event used for filter predicates and
	// webhook payloads.
	Fields() map[string]interface{}
}

// Event type names.
const (
	TypeSalesOrderCreated = "SalesOrderCreated"
	TypeSalesOrderUpdated = "SalesOrderUpdated"
	TypePaymentPosted     = "PaymentPosted"
	TypeInvoiceCreated    = "InvoiceCreated"
	TypeInventoryLowStock = "InventoryLowStock"
	TypeApprovalRequested = "ApprovalRequested"
	TypeApprovalDecided   = "ApprovalDecided"
)

// SalesOrderCreated is published after a sales order is created in the ERP.
type SalesOrderCreated struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Company    string    `json:"company"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	CreatedBy  string    `json:"created_by"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e SalesOrderCreated) EventType() string { return TypeSalesOrderCreated }

func (e SalesOrderCreated) Fields() map[string]interface{} {
	return map[string]interface{}{
		"orderId":    e.OrderID,
		"customerId": e.CustomerID,
		"company":    e.Company,
		"amount":     e.Amount,
		"currency":   e.Currency,
		"createdBy":  e.CreatedBy,
		"occurredAt": e.OccurredAt,
	}
}

// SalesOrderUpdated is published after a sales order changes.
type SalesOrderUpdated struct {
	OrderID       string    `json:"order_id"`
	CustomerID    string    `json:"customer_id"`
	Company       string    `json:"company"`
	Status        string    `json:"status"`
	ChangedFields []string  `json:"changed_fields"`
	UpdatedBy     string    `json:"updated_by"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (e SalesOrderUpdated) EventType() string { return TypeSalesOrderUpdated }

func (e SalesOrderUpdated) Fields() map[string]interface{} {
	return map[string]interface{}{
		"orderId":       e.OrderID,
		"customerId":    e.CustomerID,
		"company":       e.Company,
		"status":        e.Status,
		"changedFields": e.ChangedFields,
		"updatedBy":     e.UpdatedBy,
		"occurredAt":    e.OccurredAt,
	}
}

// PaymentPosted is published after a customer payment is posted.
type PaymentPosted struct {
	PaymentID  string    `json:"payment_id"`
	CustomerID string    `json:"customer_id"`
	InvoiceID  string    `json:"invoice_id"`
	Company    string    `json:"company"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e PaymentPosted) EventType() string { return TypePaymentPosted }

func (e PaymentPosted) Fields() map[string]interface{} {
	return map[string]interface{}{
		"paymentId":  e.PaymentID,
		"customerId": e.CustomerID,
		"invoiceId":  e.InvoiceID,
		"company":    e.Company,
		"amount":     e.Amount,
		"currency":   e.Currency,
		"occurredAt": e.OccurredAt,
	}
}

// InvoiceCreated is published after an invoice is created.
type InvoiceCreated struct {
	InvoiceID  string    `json:"invoice_id"`
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Company    string    `json:"company"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	DueDate    time.Time `json:"due_date"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e InvoiceCreated) EventType() string { return TypeInvoiceCreated }

func (e InvoiceCreated) Fields() map[string]interface{} {
	return map[string]interface{}{
		"invoiceId":  e.InvoiceID,
		"orderId":    e.OrderID,
		"customerId": e.CustomerID,
		"company":    e.Company,
		"amount":     e.Amount,
		"currency":   e.Currency,
		"dueDate":    e.DueDate,
		"occurredAt": e.OccurredAt,
	}
}

// InventoryLowStock is published when an item falls below its reorder point.
type InventoryLowStock struct {
	ItemID       string    `json:"item_id"`
	Warehouse    string    `json:"warehouse"`
	Company      string    `json:"company"`
	OnHand       float64   `json:"on_hand"`
	ReorderPoint float64   `json:"reorder_point"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (e InventoryLowStock) EventType() string { return TypeInventoryLowStock }

func (e InventoryLowStock) Fields() map[string]interface{} {
	return map[string]interface{}{
		"itemId":       e.ItemID,
		"warehouse":    e.Warehouse,
		"company":      e.Company,
		"onHand":       e.OnHand,
		"reorderPoint": e.ReorderPoint,
		"occurredAt":   e.OccurredAt,
	}
}

// ApprovalRequested is published when an operation is held for approval.
type ApprovalRequested struct {
	ApprovalID  string    `json:"approval_id"`
	RequestType string    `json:"request_type"`
	Requester   string    `json:"requester"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	ExpiresAt   time.Time `json:"expires_at"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e ApprovalRequested) EventType() string { return TypeApprovalRequested }

func (e ApprovalRequested) Fields() map[string]interface{} {
	return map[string]interface{}{
		"approvalId":  e.ApprovalID,
		"requestType": e.RequestType,
		"requester":   e.Requester,
		"description": e.Description,
		"amount":      e.Amount,
		"currency":    e.Currency,
		"expiresAt":   e.ExpiresAt,
		"occurredAt":  e.OccurredAt,
	}
}

// ApprovalDecided is published when an approver approves or rejects a request.
type ApprovalDecided struct {
	ApprovalID  string    `json:"approval_id"`
	RequestType string    `json:"request_type"`
	Requester   string    `json:"requester"`
	Status      string    `json:"status"`
	ApproverID  string    `json:"approver_id"`
	Comment     string    `json:"comment"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e ApprovalDecided) EventType() string { return TypeApprovalDecided }

func (e ApprovalDecided) Fields() map[string]interface{} {
	return map[string]interface{}{
		"approvalId":  e.ApprovalID,
		"requestType": e.RequestType,
		"requester":   e.Requester,
		"status":      e.Status,
		"approverId":  e.ApproverID,
		"comment":     e.Comment,
		"occurredAt":  e.OccurredAt,
	}
}
