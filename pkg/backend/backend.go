// Package backend describes the ERP capabilities tools call into. Concrete
// connectors live outside this module; Guarded wraps any of them in a
// circuit breaker and Memory is an in-process stand-in for development.
package backend

import (
	"context"
	"fmt"
)

// Record is a structured value returned by the ERP.
type Record map[string]interface{}

// QueryService exposes read operations.
type QueryService interface {
	GetCustomer(ctx context.Context, company, customerID string) (Record, error)
	GetItem(ctx context.Context, company, itemID string) (Record, error)
	GetSalesOrder(ctx context.Context, company, orderID string) (Record, error)
	CheckInventory(ctx context.Context, company, itemID, warehouse string) (Record, error)
	GetPrice(ctx context.Context, company, itemID, customerID string, quantity float64) (Record, error)
}

// CommandService exposes write operations.
type CommandService interface {
	CreateSalesOrder(ctx context.Context, company string, order Record) (Record, error)
	UpdateSalesOrder(ctx context.Context, company, orderID string, changes Record) (Record, error)
	PostPayment(ctx context.Context, company string, payment Record) (Record, error)
	CreateInvoice(ctx context.Context, company, orderID string) (Record, error)
}

// HealthProbe checks connectivity to the ERP.
type HealthProbe interface {
	Ping(ctx context.Context) error
}

// Capability is everything a connector provides.
type Capability interface {
	QueryService
	CommandService
	HealthProbe
}

// Error is a failure reported by the ERP itself.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode exposes the ERP code to callers that only see an error.
func (e *Error) ErrorCode() string {
	return e.Code
}

// Common ERP error codes.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION"
	CodeUnavailable  = "UNAVAILABLE"
	CodeInsufficient = "INSUFFICIENT_STOCK"
)

// NewError creates an ERP error.
func NewError(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
