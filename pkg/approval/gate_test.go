package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/aosgate/pkg/faults"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func amount(v float64) *float64 { return &v }

func newTestGate(clock *fakeClock) *Gate {
	return NewGate(Options{Threshold: 10000, Logger: zerolog.Nop()}).WithClock(clock.Now)
}

func orderRequest(value float64) Request {
	return Request{
		Type:        "sales_order",
		Requester:   "alice",
		Description: "Create sales order for C-100",
		Amount:      amount(value),
		Currency:    "EUR",
	}
}

func TestAutoApprovalLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	gate := newTestGate(&fakeClock{now: time.Now()})

	for _, req := range []Request{orderRequest(500), orderRequest(10000), {Type: "lookup", Requester: "alice"}} {
		result, err := gate.RequestApproval(ctx, req)
		require.NoError(t, err)
		assert.True(t, result.AutoApproved)
		assert.False(t, result.RequiresApproval)
		assert.NotEmpty(t, result.ApprovalID)
		assert.Equal(t, StatusNotFound, gate.GetStatus(result.ApprovalID))
	}
	assert.Empty(t, gate.List(""))
}

func TestPendingApprovalLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	gate := newTestGate(clock)

	result, err := gate.RequestApproval(ctx, orderRequest(25000))
	require.NoError(t, err)
	assert.True(t, result.RequiresApproval)
	assert.False(t, result.AutoApproved)
	assert.Equal(t, []string{"MCP_Approver"}, result.Approvers)
	assert.Equal(t, StatusPending, gate.GetStatus(result.ApprovalID))
	assert.True(t, faults.Is(gate.Check(result.ApprovalID), faults.KindApprovalRequired))

	record, ok := gate.Get(result.ApprovalID)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(24*time.Hour), record.ExpiresAt)

	require.True(t, gate.Approve(ctx, result.ApprovalID, "bob", "looks fine"))
	assert.Equal(t, StatusApproved, gate.GetStatus(result.ApprovalID))
	assert.NoError(t, gate.Check(result.ApprovalID))

	record, _ = gate.Get(result.ApprovalID)
	assert.Equal(t, "bob", record.ApproverID)
	assert.Equal(t, "looks fine", record.Comment)
	require.NotNil(t, record.DecidedAt)
}

func TestRejectAndUnknownIDs(t *testing.T) {
	ctx := context.Background()
	gate := newTestGate(&fakeClock{now: time.Now()})

	result, err := gate.RequestApproval(ctx, orderRequest(20000))
	require.NoError(t, err)

	require.True(t, gate.Reject(ctx, result.ApprovalID, "carol", "over budget"))
	assert.Equal(t, StatusRejected, gate.GetStatus(result.ApprovalID))
	assert.True(t, faults.Is(gate.Check(result.ApprovalID), faults.KindApprovalRejected))

	// decisions may be overwritten
	require.True(t, gate.Approve(ctx, result.ApprovalID, "dave", "budget raised"))
	assert.Equal(t, StatusApproved, gate.GetStatus(result.ApprovalID))

	assert.False(t, gate.Approve(ctx, "missing", "bob", ""))
	assert.False(t, gate.Reject(ctx, "missing", "bob", ""))
	assert.Equal(t, StatusNotFound, gate.GetStatus("missing"))
	assert.True(t, faults.Is(gate.Check("missing"), faults.KindNotFound))
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	gate := newTestGate(clock)

	timeout := time.Hour
	req := orderRequest(50000)
	req.Timeout = &timeout

	result, err := gate.RequestApproval(ctx, req)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	assert.Equal(t, StatusPending, gate.GetStatus(result.ApprovalID))

	clock.Advance(time.Second)
	assert.Equal(t, StatusExpired, gate.GetStatus(result.ApprovalID))
	assert.True(t, faults.Is(gate.Check(result.ApprovalID), faults.KindApprovalExpired))
	assert.Len(t, gate.List(StatusExpired), 1)
	assert.Empty(t, gate.List(StatusPending))

	assert.Equal(t, 1, gate.ExpireStale())
	assert.Equal(t, 0, gate.ExpireStale())
}

func TestDecisionAfterExpiryIsRefused(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	decisions := 0
	gate := NewGate(Options{
		Threshold:  10000,
		Logger:     zerolog.Nop(),
		OnDecision: func(context.Context, PendingApproval) { decisions++ },
	}).WithClock(clock.Now)

	result, err := gate.RequestApproval(ctx, orderRequest(25000))
	require.NoError(t, err)

	// nothing has swept the record, it is still stored as pending
	clock.Advance(25 * time.Hour)
	assert.False(t, gate.Approve(ctx, result.ApprovalID, "bob", "late"))
	assert.False(t, gate.Reject(ctx, result.ApprovalID, "bob", "late"))
	assert.Zero(t, decisions)

	assert.Equal(t, StatusExpired, gate.GetStatus(result.ApprovalID))
	assert.True(t, faults.Is(gate.Check(result.ApprovalID), faults.KindApprovalExpired))
	assert.True(t, faults.Is(gate.Claim(result.ApprovalID), faults.KindApprovalExpired))

	record, ok := gate.Get(result.ApprovalID)
	require.True(t, ok)
	assert.Empty(t, record.ApproverID)
	assert.Nil(t, record.DecidedAt)
	assert.Equal(t, 0, gate.ExpireStale(), "decide already persisted the expiry")
}

func TestClaimAndRelease(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	gate := newTestGate(clock)

	result, err := gate.RequestApproval(ctx, orderRequest(25000))
	require.NoError(t, err)
	id := result.ApprovalID

	assert.True(t, faults.Is(gate.Claim("missing"), faults.KindNotFound))
	assert.True(t, faults.Is(gate.Claim(id), faults.KindApprovalRequired))

	require.True(t, gate.Approve(ctx, id, "bob", ""))
	require.NoError(t, gate.Claim(id))
	assert.True(t, faults.Is(gate.Claim(id), faults.KindForbidden), "concurrent claim")

	// a failed call hands the approval back
	gate.Release(id, false)
	record, _ := gate.Get(id)
	assert.Nil(t, record.ConsumedAt)

	require.NoError(t, gate.Claim(id))
	clock.Advance(time.Minute)
	gate.Release(id, true)

	record, _ = gate.Get(id)
	require.NotNil(t, record.ConsumedAt)
	assert.Equal(t, clock.Now(), *record.ConsumedAt)
	err = gate.Claim(id)
	assert.True(t, faults.Is(err, faults.KindForbidden))
	assert.Contains(t, err.Error(), "already been used")

	rejected, err := gate.RequestApproval(ctx, orderRequest(30000))
	require.NoError(t, err)
	require.True(t, gate.Reject(ctx, rejected.ApprovalID, "bob", ""))
	assert.True(t, faults.Is(gate.Claim(rejected.ApprovalID), faults.KindApprovalRejected))
}

func TestOnDecisionCallback(t *testing.T) {
	ctx := context.Background()
	var decided []PendingApproval
	gate := NewGate(Options{
		Threshold: 100,
		Logger:    zerolog.Nop(),
		OnDecision: func(_ context.Context, p PendingApproval) {
			decided = append(decided, p)
		},
	})

	result, err := gate.RequestApproval(ctx, orderRequest(1000))
	require.NoError(t, err)
	require.True(t, gate.Reject(ctx, result.ApprovalID, "bob", "no"))

	require.Len(t, decided, 1)
	assert.Equal(t, StatusRejected, decided[0].Status)
	assert.Equal(t, result.ApprovalID, decided[0].ID)
}

func TestOnRequestCallback(t *testing.T) {
	ctx := context.Background()
	var requested []PendingApproval
	gate := NewGate(Options{
		Threshold: 100,
		Logger:    zerolog.Nop(),
		OnRequest: func(_ context.Context, p PendingApproval) {
			requested = append(requested, p)
		},
	})

	_, err := gate.RequestApproval(ctx, orderRequest(50))
	require.NoError(t, err)
	assert.Empty(t, requested, "auto-approved requests are not announced")

	result, err := gate.RequestApproval(ctx, orderRequest(1000))
	require.NoError(t, err)
	require.Len(t, requested, 1)
	assert.Equal(t, result.ApprovalID, requested[0].ID)
	assert.Equal(t, StatusPending, requested[0].Status)
	assert.Equal(t, 1000.0, *requested[0].Request.Amount)
}

func TestRequestIsCopied(t *testing.T) {
	ctx := context.Background()
	gate := newTestGate(&fakeClock{now: time.Now()})

	req := orderRequest(99999)
	req.Context = map[string]interface{}{"customer": "C-1"}
	result, err := gate.RequestApproval(ctx, req)
	require.NoError(t, err)

	*req.Amount = 1
	req.Context["customer"] = "C-2"

	record, ok := gate.Get(result.ApprovalID)
	require.True(t, ok)
	assert.Equal(t, 99999.0, *record.Request.Amount)
	assert.Equal(t, "C-1", record.Request.Context["customer"])
}
