package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/aosgate/pkg/breaker"
	"github.com/harun/aosgate/pkg/faults"
)

func orderLines(lines ...interface{}) Record {
	return Record{"customerId": "US-001", "lines": lines}
}

func line(itemID string, qty float64) map[string]interface{} {
	return map[string]interface{}{"itemId": itemID, "quantity": qty}
}

func TestMemoryOrderToCash(t *testing.T) {
	ctx := context.Background()
	erp := NewSeededMemory()

	order, err := erp.CreateSalesOrder(ctx, "usmf", orderLines(line("A0001", 10), line("T0100", 8)))
	require.NoError(t, err)
	orderID := order["orderId"].(string)
	assert.Equal(t, "Open", order["status"])
	assert.InDelta(t, 10*14.99+8*3200, order["amount"], 0.001)
	require.Len(t, order["lowStockItems"], 1)
	low := order["lowStockItems"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "T0100", low["itemId"])
	assert.Equal(t, 4.0, low["onHand"])

	stock, err := erp.CheckInventory(ctx, "usmf", "T0100", "")
	require.NoError(t, err)
	assert.Equal(t, 4.0, stock["onHand"])
	assert.Equal(t, true, stock["lowStock"])

	updated, err := erp.UpdateSalesOrder(ctx, "usmf", orderID, Record{"deliveryDate": "2026-06-01"})
	require.NoError(t, err)
	assert.Equal(t, []string{"deliveryDate"}, updated["changedFields"])

	_, err = erp.UpdateSalesOrder(ctx, "usmf", orderID, Record{"amount": 1.0})
	assertCode(t, err, CodeValidation)

	invoice, err := erp.CreateInvoice(ctx, "usmf", orderID)
	require.NoError(t, err)
	_, err = erp.CreateInvoice(ctx, "usmf", orderID)
	assertCode(t, err, CodeValidation)

	payment, err := erp.PostPayment(ctx, "usmf", Record{
		"customerId": "US-001",
		"invoiceId":  invoice["invoiceId"],
		"amount":     invoice["amount"],
	})
	require.NoError(t, err)
	assert.NotEmpty(t, payment["paymentId"])
}

func TestMemoryValidation(t *testing.T) {
	ctx := context.Background()
	erp := NewSeededMemory()

	_, err := erp.GetCustomer(ctx, "usmf", "nobody")
	assertCode(t, err, CodeNotFound)

	_, err = erp.CreateSalesOrder(ctx, "usmf", Record{"customerId": "US-001"})
	assertCode(t, err, CodeValidation)

	_, err = erp.CreateSalesOrder(ctx, "usmf", orderLines(line("D0001", 41)))
	assertCode(t, err, CodeInsufficient)

	price, err := erp.GetPrice(ctx, "USMF", "a0001", "US-002", 100)
	require.NoError(t, err)
	assert.Equal(t, 0.05, price["discount"])
}

func TestGuardedOpensBreaker(t *testing.T) {
	ctx := context.Background()
	erp := NewSeededMemory()
	cb := breaker.New(breaker.Options{Name: "aos", FailureThreshold: 2, OpenDuration: time.Minute, CallTimeout: time.Second})
	guarded := NewGuarded(erp, cb)

	customer, err := guarded.GetCustomer(ctx, "usmf", "US-001")
	require.NoError(t, err)
	assert.Equal(t, "Contoso Retail San Diego", customer["name"])

	erp.FailWith(NewError(CodeUnavailable, "AOS is restarting"))
	for i := 0; i < 2; i++ {
		_, err = guarded.GetItem(ctx, "usmf", "A0001")
		require.Error(t, err)
		assert.True(t, faults.Is(err, faults.KindBackendFailure))
		var fe *faults.Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, CodeUnavailable, fe.Code)
	}
	assert.Equal(t, breaker.StateOpen, cb.State())

	erp.FailWith(nil)
	_, err = guarded.GetItem(ctx, "usmf", "A0001")
	assert.True(t, faults.Is(err, faults.KindCircuitOpen))

	report := guarded.Health(ctx)
	assert.False(t, report.Healthy)
	assert.Equal(t, "open", report.Breaker.State)
}

func TestGuardedHealthy(t *testing.T) {
	guarded := NewGuarded(NewSeededMemory(), breaker.New(breaker.Options{Name: "aos"}))
	report := guarded.Health(context.Background())
	assert.True(t, report.Healthy)
	assert.Empty(t, report.Error)
	assert.Equal(t, "closed", report.Breaker.State)
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var be *Error
	require.True(t, errors.As(err, &be), "expected backend error, got %v", err)
	assert.Equal(t, code, be.Code)
}
