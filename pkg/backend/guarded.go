package backend

import (
	"context"
	"time"

	"github.com/harun/aosgate/pkg/breaker"
)

// Guarded routes every call to the wrapped capability through a breaker.
type Guarded struct {
	inner Capability
	cb    *breaker.CircuitBreaker
}

// NewGuarded wraps inner with cb.
func NewGuarded(inner Capability, cb *breaker.CircuitBreaker) *Guarded {
	return &Guarded{inner: inner, cb: cb}
}

// Breaker returns the breaker guarding the connector.
func (g *Guarded) Breaker() *breaker.CircuitBreaker {
	return g.cb
}

func (g *Guarded) GetCustomer(ctx context.Context, company, customerID string) (Record, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) (Record, error) {
		return g.inner.GetCustomer(ctx, company, customerID)
	})
}

func (g *Guarded) GetItem(ctx context.Context, company, itemID string) (Record, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) (Record, error) {
		return g.inner.GetItem(ctx, company, itemID)
	})
}

func (g *Guarded) GetSalesOrder(ctx context.Context, company, orderID string) (Record, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) (Record, error) {
		return g.inner.GetSalesOrder(ctx, company, orderID)
	})
}

func (g *Guarded) CheckInventory(ctx context.Context, company, itemID, warehouse string) (Record, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) (Record, error) {
		return g.inner.CheckInventory(ctx, company, itemID, warehouse)
	})
}

func (g *Guarded) GetPrice(ctx context.Context, company, itemID, customerID string, quantity float64) (Record, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) (Record, error) {
		return g.inner.GetPrice(ctx, company, itemID, customerID, quantity)
	})
}

func (g *Guarded) CreateSalesOrder(ctx context.Context, company string, order Record) (Record, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) (Record, error) {
		return g.inner.CreateSalesOrder(ctx, company, order)
	})
}

func (g *Guarded) UpdateSalesOrder(ctx context.Context, company, orderID string, changes Record) (Record, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) (Record, error) {
		return g.inner.UpdateSalesOrder(ctx, company, orderID, changes)
	})
}

func (g *Guarded) PostPayment(ctx context.Context, company string, payment Record) (Record, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) (Record, error) {
		return g.inner.PostPayment(ctx, company, payment)
	})
}

func (g *Guarded) CreateInvoice(ctx context.Context, company, orderID string) (Record, error) {
	return breaker.Execute(ctx, g.cb, func(ctx context.Context) (Record, error) {
		return g.inner.CreateInvoice(ctx, company, orderID)
	})
}

func (g *Guarded) Ping(ctx context.Context) error {
	return g.cb.Run(ctx, g.inner.Ping)
}

// HealthReport is the result of Health.
type HealthReport struct {
	Healthy bool             `json:"healthy"`
	Latency time.Duration    `json:"latency"`
	Error   string           `json:"error,omitempty"`
	Breaker breaker.Snapshot `json:"breaker"`
}

// Health pings the ERP through the breaker and reports the breaker state.
// An open breaker reports unhealthy without touching the connector.
func (g *Guarded) Health(ctx context.Context) HealthReport {
	start := time.Now()
	err := g.Ping(ctx)
	report := HealthReport{
		Healthy: err == nil,
		Latency: time.Since(start),
		Breaker: g.cb.Snapshot(),
	}
	if err != nil {
		report.Error = err.Error()
	}
	return report
}
