package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/aosgate/internal/observability"
	"github.com/harun/aosgate/pkg/approval"
	"github.com/harun/aosgate/pkg/authz"
	"github.com/harun/aosgate/pkg/backend"
	"github.com/harun/aosgate/pkg/eventbus"
	"github.com/harun/aosgate/pkg/events"
	"github.com/harun/aosgate/pkg/faults"
	"github.com/harun/aosgate/pkg/idempotency"
	"github.com/harun/aosgate/pkg/ratelimit"
)

var (
	reader   = &authz.ToolContext{UserID: "alice", Roles: []string{authz.RoleRead}}
	writer   = &authz.ToolContext{UserID: "bob", Roles: []string{authz.RoleWrite}}
	approver = &authz.ToolContext{UserID: "carol", Roles: []string{authz.RoleApprover}}
)

type recordingSink struct {
	mu      sync.Mutex
	records []observability.AuditRecord
}

func (s *recordingSink) Record(_ context.Context, rec observability.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSink) all() []observability.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]observability.AuditRecord(nil), s.records...)
}

type harness struct {
	d         *Dispatcher
	erp       *backend.Memory
	idem      *idempotency.MemoryStore
	approvals *approval.Gate
	bus       *eventbus.Bus
	audit     *recordingSink
}

type harnessOption func(*Options)

func withLimiter(l ratelimit.Limiter) harnessOption {
	return func(o *Options) { o.Limiter = l }
}

func newHarness(t *testing.T, threshold float64, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		erp:       backend.NewSeededMemory(),
		idem:      idempotency.NewMemoryStore(),
		approvals: approval.NewGate(approval.Options{Threshold: threshold, Logger: zerolog.Nop()}),
		bus:       eventbus.New(zerolog.Nop()),
		audit:     &recordingSink{},
	}

	reg := NewRegistry()
	require.NoError(t, RegisterERPTools(reg, h.erp, nil))
	require.NoError(t, RegisterAdminTools(reg, AdminDeps{Approvals: h.approvals}))

	o := Options{
		Registry:    reg,
		Authz:       authz.NewGate(authz.DefaultRoleMap(), zerolog.Nop()),
		Idempotency: h.idem,
		Approvals:   h.approvals,
		Bus:         h.bus,
		Audit:       h.audit,
		Logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	d, err := New(o)
	require.NoError(t, err)
	h.d = d
	return h
}

func orderArgs(itemID string, qty float64) map[string]interface{} {
	return map[string]interface{}{
		"company":    "usmf",
		"customerId": "US-001",
		"lines": []interface{}{
			map[string]interface{}{"itemId": itemID, "quantity": qty},
		},
	}
}

func decode(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestNewRequiresRegistryAndGate(t *testing.T) {
	_, err := New(Options{Authz: authz.NewGate(authz.DefaultRoleMap(), zerolog.Nop())})
	assert.Error(t, err)

	_, err = New(Options{Registry: NewRegistry()})
	assert.Error(t, err)
}

func TestInvokeReadTool(t *testing.T) {
	h := newHarness(t, 10000)

	resp, err := h.d.Invoke(context.Background(), reader, Request{
		Tool: "get_customer",
		Args: map[string]interface{}{"company": "usmf", "customerId": "US-001"},
	})
	require.NoError(t, err)
	assert.Equal(t, "get_customer", resp.Tool)
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, "Contoso Retail San Diego", decode(t, resp.Result)["name"])

	records := h.audit.all()
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].UserID)
	assert.Equal(t, "get_customer", records[0].ToolName)
	assert.True(t, records[0].Success)
	assert.Equal(t, resp.CorrelationID, records[0].CorrelationID)
	assert.NotEmpty(t, records[0].Output)
}

func TestInvokeKeepsCallerCorrelationID(t *testing.T) {
	h := newHarness(t, 10000)
	tc := &authz.ToolContext{UserID: "alice", CorrelationID: "corr-42", Roles: []string{authz.RoleRead}}

	resp, err := h.d.Invoke(context.Background(), tc, Request{
		Tool: "get_item",
		Args: map[string]interface{}{"company": "usmf", "itemId": "A0001"},
	})
	require.NoError(t, err)
	assert.Equal(t, "corr-42", resp.CorrelationID)
}

func TestInvokeAuthorization(t *testing.T) {
	h := newHarness(t, 10000)
	ctx := context.Background()

	_, err := h.d.Invoke(ctx, nil, Request{Tool: "get_customer"})
	assert.True(t, faults.Is(err, faults.KindUnauthorized))

	_, err = h.d.Invoke(ctx, &authz.ToolContext{Roles: []string{authz.RoleRead}}, Request{Tool: "get_customer"})
	assert.True(t, faults.Is(err, faults.KindUnauthorized))

	_, err = h.d.Invoke(ctx, reader, Request{Tool: "create_sales_order", Args: orderArgs("A0001", 1)})
	assert.True(t, faults.Is(err, faults.KindForbidden))

	_, err = h.d.Invoke(ctx, writer, Request{Tool: "decide_approval"})
	assert.True(t, faults.Is(err, faults.KindForbidden))

	records := h.audit.all()
	require.Len(t, records, 4)
	for _, rec := range records {
		assert.False(t, rec.Success)
		assert.NotEmpty(t, rec.ErrorKind)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	h := newHarness(t, 10000)

	_, err := h.d.Invoke(context.Background(), reader, Request{Tool: "drop_database"})
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

func TestInvokeRateLimited(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(2, time.Minute)
	t.Cleanup(limiter.Stop)
	h := newHarness(t, 10000, withLimiter(limiter))
	ctx := context.Background()
	req := Request{Tool: "get_item", Args: map[string]interface{}{"company": "usmf", "itemId": "A0001"}}

	for i := 0; i < 2; i++ {
		_, err := h.d.Invoke(ctx, reader, req)
		require.NoError(t, err)
	}

	_, err := h.d.Invoke(ctx, reader, req)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindRateLimited))
	assert.Greater(t, faults.RetryAfterOf(err), time.Duration(0))

	// budgets are per caller
	_, err = h.d.Invoke(ctx, writer, req)
	assert.NoError(t, err)
}

func TestInvokeInvalidArguments(t *testing.T) {
	h := newHarness(t, 10000)
	ctx := context.Background()

	_, err := h.d.Invoke(ctx, reader, Request{Tool: "get_customer", Args: map[string]interface{}{"company": "usmf"}})
	assert.True(t, faults.Is(err, faults.KindInvalidInput))

	_, err = h.d.Invoke(ctx, reader, Request{Tool: "get_customer", Args: map[string]interface{}{
		"company": "usmf", "customerId": "US-001", "unexpected": true,
	}})
	assert.True(t, faults.Is(err, faults.KindInvalidInput))

	_, err = h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: map[string]interface{}{
		"company": "usmf", "customerId": "US-001", "lines": []interface{}{map[string]interface{}{"itemId": "A0001"}},
	}})
	assert.True(t, faults.Is(err, faults.KindInvalidInput))
}

func TestInvokeBackendErrorPassesThrough(t *testing.T) {
	h := newHarness(t, 10000)

	_, err := h.d.Invoke(context.Background(), reader, Request{
		Tool: "get_customer",
		Args: map[string]interface{}{"company": "usmf", "customerId": "nobody"},
	})
	require.Error(t, err)
	be, ok := err.(*backend.Error)
	require.True(t, ok)
	assert.Equal(t, backend.CodeNotFound, be.Code)
}

func TestMutatingCallIsReplayed(t *testing.T) {
	h := newHarness(t, 10000)
	ctx := context.Background()

	var created int
	var mu sync.Mutex
	eventbus.Subscribe(h.bus, func(ctx context.Context, e events.SalesOrderCreated) error {
		mu.Lock()
		created++
		mu.Unlock()
		return nil
	})

	first, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: orderArgs("A0001", 2)})
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.True(t, first.AutoApproved)
	assert.Equal(t, []string{events.TypeSalesOrderCreated}, first.Events)

	second, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: orderArgs("A0001", 2)})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Empty(t, second.Events)

	stock, err := h.erp.CheckInventory(ctx, "usmf", "A0001", "")
	require.NoError(t, err)
	assert.Equal(t, 498.0, stock["onHand"])

	mu.Lock()
	assert.Equal(t, 1, created)
	mu.Unlock()

	// a different caller is not deduplicated against bob
	other := &authz.ToolContext{UserID: "dave", Roles: []string{authz.RoleWrite}}
	third, err := h.d.Invoke(ctx, other, Request{Tool: "create_sales_order", Args: orderArgs("A0001", 2)})
	require.NoError(t, err)
	assert.False(t, third.Replayed)
}

func TestExplicitIdempotencyKey(t *testing.T) {
	h := newHarness(t, 10000)
	ctx := context.Background()

	first, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: orderArgs("A0001", 1), IdempotencyKey: "order-77"})
	require.NoError(t, err)

	// same key, different payload: the stored result wins
	second, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: orderArgs("A0001", 3), IdempotencyKey: "order-77"})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, decode(t, first.Result)["orderId"], decode(t, second.Result)["orderId"])
}

func TestReadToolsAreNotStored(t *testing.T) {
	h := newHarness(t, 10000)

	for i := 0; i < 2; i++ {
		resp, err := h.d.Invoke(context.Background(), reader, Request{
			Tool: "check_inventory",
			Args: map[string]interface{}{"company": "usmf", "itemId": "A0001"},
		})
		require.NoError(t, err)
		assert.False(t, resp.Replayed)
	}
	assert.Equal(t, 0, h.idem.Size())
}

func TestApprovalFlow(t *testing.T) {
	h := newHarness(t, 10000)
	ctx := context.Background()
	args := orderArgs("T0100", 4) // 12800 USD

	held, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: args})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindApprovalRequired))
	require.NotEmpty(t, held.ApprovalID)
	assert.Empty(t, held.Result)
	assert.Equal(t, 0, h.idem.Size())

	stock, err := h.erp.CheckInventory(ctx, "usmf", "T0100", "")
	require.NoError(t, err)
	assert.Equal(t, 12.0, stock["onHand"])

	pending, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: args, ApprovalID: held.ApprovalID})
	assert.True(t, faults.Is(err, faults.KindApprovalRequired))
	assert.Equal(t, held.ApprovalID, pending.ApprovalID)

	// requesters cannot approve their own orders
	selfApprover := &authz.ToolContext{UserID: "bob", Roles: []string{authz.RoleApprover}}
	_, err = h.d.Invoke(ctx, selfApprover, Request{Tool: "decide_approval", Args: map[string]interface{}{
		"approvalId": held.ApprovalID, "decision": "approve",
	}})
	assert.True(t, faults.Is(err, faults.KindForbidden))

	decided, err := h.d.Invoke(ctx, approver, Request{Tool: "decide_approval", Args: map[string]interface{}{
		"approvalId": held.ApprovalID, "decision": "approve", "comment": "known customer",
	}})
	require.NoError(t, err)
	assert.Equal(t, "approved", decode(t, decided.Result)["status"])

	// the approval covers bob's call only
	_, err = h.d.Invoke(ctx, &authz.ToolContext{UserID: "eve", Roles: []string{authz.RoleWrite}},
		Request{Tool: "create_sales_order", Args: args, ApprovalID: held.ApprovalID})
	assert.True(t, faults.Is(err, faults.KindForbidden))

	// and no more than the approved amount
	_, err = h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: orderArgs("T0100", 5), ApprovalID: held.ApprovalID})
	assert.True(t, faults.Is(err, faults.KindForbidden))

	done, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: args, ApprovalID: held.ApprovalID})
	require.NoError(t, err)
	assert.Equal(t, held.ApprovalID, done.ApprovalID)
	assert.NotEmpty(t, decode(t, done.Result)["orderId"])
}

func TestApprovalCoversOneCall(t *testing.T) {
	h := newHarness(t, 10000)
	ctx := context.Background()
	args := orderArgs("T0100", 4) // 12800 USD

	held, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: args})
	require.True(t, faults.Is(err, faults.KindApprovalRequired))
	_, err = h.d.Invoke(ctx, approver, Request{Tool: "decide_approval", Args: map[string]interface{}{
		"approvalId": held.ApprovalID, "decision": "approve",
	}})
	require.NoError(t, err)

	first, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: args, ApprovalID: held.ApprovalID})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// smaller orders are different calls and need their own approval
	for _, qty := range []float64{3, 2, 1} {
		_, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: orderArgs("T0100", qty), ApprovalID: held.ApprovalID})
		assert.True(t, faults.Is(err, faults.KindForbidden), "qty %v", qty)
	}

	// an identical retry gets the stored order back
	retry, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: args, ApprovalID: held.ApprovalID})
	require.NoError(t, err)
	assert.True(t, retry.Replayed)
	assert.Equal(t, decode(t, first.Result)["orderId"], decode(t, retry.Result)["orderId"])

	// a fresh idempotency key would create a second order
	_, err = h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: args, ApprovalID: held.ApprovalID, IdempotencyKey: "again"})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindForbidden))
	assert.Contains(t, err.Error(), "already been used")

	stock, err := h.erp.CheckInventory(ctx, "usmf", "T0100", "")
	require.NoError(t, err)
	assert.Equal(t, 8.0, stock["onHand"])

	record, ok := h.approvals.Get(held.ApprovalID)
	require.True(t, ok)
	assert.NotNil(t, record.ConsumedAt)
}

func TestRejectedApproval(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	args := map[string]interface{}{"company": "usmf", "customerId": "US-001", "amount": 500.0, "currency": "USD"}

	held, err := h.d.Invoke(ctx, writer, Request{Tool: "post_payment", Args: args})
	require.True(t, faults.Is(err, faults.KindApprovalRequired))

	listed, err := h.d.Invoke(ctx, approver, Request{Tool: "list_approvals", Args: map[string]interface{}{"status": "pending"}})
	require.NoError(t, err)
	var pending []approval.PendingApproval
	require.NoError(t, json.Unmarshal(listed.Result, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, held.ApprovalID, pending[0].ID)

	_, err = h.d.Invoke(ctx, approver, Request{Tool: "decide_approval", Args: map[string]interface{}{
		"approvalId": held.ApprovalID, "decision": "reject",
	}})
	require.NoError(t, err)

	_, err = h.d.Invoke(ctx, approver, Request{Tool: "decide_approval", Args: map[string]interface{}{
		"approvalId": held.ApprovalID, "decision": "approve",
	}})
	assert.True(t, faults.Is(err, faults.KindInvalidInput))

	_, err = h.d.Invoke(ctx, writer, Request{Tool: "post_payment", Args: args, ApprovalID: held.ApprovalID})
	assert.True(t, faults.Is(err, faults.KindApprovalRejected))
}

func TestEventsPublishedAfterSuccess(t *testing.T) {
	h := newHarness(t, 1e6)
	ctx := context.Background()

	var mu sync.Mutex
	var got []events.Event
	eventbus.SubscribeAll(h.bus, func(ctx context.Context, e interface{}) error {
		mu.Lock()
		got = append(got, e.(events.Event))
		mu.Unlock()
		return nil
	})

	resp, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: orderArgs("T0100", 8)})
	require.NoError(t, err)
	assert.Equal(t, []string{events.TypeSalesOrderCreated, events.TypeInventoryLowStock}, resp.Events)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	created := got[0].(events.SalesOrderCreated)
	assert.Equal(t, "bob", created.CreatedBy)
	assert.Equal(t, "usmf", created.Company)
	assert.InDelta(t, 25600, created.Amount, 0.001)
	low := got[1].(events.InventoryLowStock)
	assert.Equal(t, "T0100", low.ItemID)
	assert.Equal(t, 4.0, low.OnHand)
}

func TestFailingSubscriberDoesNotFailCall(t *testing.T) {
	h := newHarness(t, 1e6)

	eventbus.Subscribe(h.bus, func(ctx context.Context, e events.SalesOrderCreated) error {
		panic("subscriber bug")
	})

	resp, err := h.d.Invoke(context.Background(), writer, Request{Tool: "create_sales_order", Args: orderArgs("A0001", 1)})
	require.NoError(t, err)
	assert.Equal(t, []string{events.TypeSalesOrderCreated}, resp.Events)
}

func TestCancelledCallStoresAndPublishesNothing(t *testing.T) {
	h := newHarness(t, 1e6)

	var published int
	eventbus.SubscribeAll(h.bus, func(ctx context.Context, e interface{}) error {
		published++
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.d.Registry().Register(Tool{
		Name:     "create_sales_order_slow",
		Mutating: true,
		Parameters: []Parameter{
			{Name: "orderId", Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, call Call) (interface{}, error) {
			cancel()
			return map[string]interface{}{"orderId": call.Args["orderId"]}, nil
		},
		Events: func(call Call, result interface{}) []events.Event {
			return []events.Event{events.SalesOrderCreated{OrderID: "SO-X"}}
		},
	}))

	admin := &authz.ToolContext{UserID: "root", Roles: []string{authz.RoleRead}}
	_, err := h.d.Invoke(ctx, admin, Request{Tool: "create_sales_order_slow", Args: map[string]interface{}{"orderId": "SO-X"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, h.idem.Size())
	assert.Equal(t, 0, published)

	records := h.audit.all()
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
}

func TestInvokeInvoiceAndPayment(t *testing.T) {
	h := newHarness(t, 1e6)
	ctx := context.Background()

	order, err := h.d.Invoke(ctx, writer, Request{Tool: "create_sales_order", Args: orderArgs("D0001", 2)})
	require.NoError(t, err)
	orderID := decode(t, order.Result)["orderId"].(string)

	var invoices []events.InvoiceCreated
	var mu sync.Mutex
	eventbus.Subscribe(h.bus, func(ctx context.Context, e events.InvoiceCreated) error {
		mu.Lock()
		invoices = append(invoices, e)
		mu.Unlock()
		return nil
	})

	invoice, err := h.d.Invoke(ctx, writer, Request{Tool: "create_invoice", Args: map[string]interface{}{
		"company": "usmf", "orderId": orderID,
	}})
	require.NoError(t, err)
	invoiceID := decode(t, invoice.Result)["invoiceId"].(string)

	mu.Lock()
	require.Len(t, invoices, 1)
	assert.Equal(t, orderID, invoices[0].OrderID)
	assert.False(t, invoices[0].DueDate.IsZero())
	mu.Unlock()

	payment, err := h.d.Invoke(ctx, writer, Request{Tool: "post_payment", Args: map[string]interface{}{
		"company": "usmf", "customerId": "US-001", "amount": 3500.0, "invoiceId": invoiceID,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{events.TypePaymentPosted}, payment.Events)
}
