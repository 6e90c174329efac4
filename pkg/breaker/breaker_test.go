package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/aosgate/pkg/faults"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
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

type codedError struct{ code string }

func (e codedError) Error() string     { return "aos error " + e.code }
func (e codedError) ErrorCode() string { return e.code }

var errBackend = errors.New("AOS unavailable")

func failing(context.Context) (string, error) { return "", errBackend }
func succeeding(context.Context) (string, error) { return "ok", nil }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return New(Options{
		Name:             "aos",
		FailureThreshold: 3,
		OpenDuration:     10 * time.Second,
		CallTimeout:      time.Second,
	}).WithClock(clock.Now)
}

func TestOpensAfterThresholdAndFailsFast(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_, err := Execute(ctx, cb, failing)
		require.Error(t, err)
		assert.True(t, faults.Is(err, faults.KindBackendFailure))
		assert.ErrorIs(t, err, errBackend)
	}
	assert.Equal(t, StateOpen, cb.State())

	invoked := false
	clock.Advance(4 * time.Second)
	_, err := Execute(ctx, cb, func(context.Context) (string, error) {
		invoked = true
		return "ok", nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	assert.True(t, faults.Is(err, faults.KindCircuitOpen))
	assert.Equal(t, 6*time.Second, faults.RetryAfterOf(err))
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(newFakeClock())

	for i := 0; i < 2; i++ {
		_, _ = Execute(ctx, cb, failing)
	}
	_, err := Execute(ctx, cb, succeeding)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _ = Execute(ctx, cb, failing)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 2, cb.Snapshot().Failures)
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_, _ = Execute(ctx, cb, failing)
	}
	clock.Advance(10 * time.Second)

	result, err := Execute(ctx, cb, succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Snapshot().Failures)
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_, _ = Execute(ctx, cb, failing)
	}
	clock.Advance(11 * time.Second)

	_, err := Execute(ctx, cb, failing)
	assert.True(t, faults.Is(err, faults.KindBackendFailure))
	assert.Equal(t, StateOpen, cb.State())

	// fresh deadline computed from the probe failure
	snap := cb.Snapshot()
	assert.Equal(t, clock.Now().Add(10*time.Second), snap.OpenUntil)

	_, err = Execute(ctx, cb, succeeding)
	assert.True(t, faults.Is(err, faults.KindCircuitOpen))
	assert.Equal(t, 10*time.Second, faults.RetryAfterOf(err))
}

func TestPanickingProbeReopens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_, _ = Execute(ctx, cb, failing)
	}
	clock.Advance(11 * time.Second)

	assert.PanicsWithValue(t, "adapter bug", func() {
		_, _ = Execute(ctx, cb, func(context.Context) (string, error) {
			panic("adapter bug")
		})
	})
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, clock.Now().Add(10*time.Second), cb.Snapshot().OpenUntil)

	clock.Advance(11 * time.Second)
	got, err := Execute(ctx, cb, succeeding)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, StateClosed, cb.State())
}

func TestPanicCountsAsFailureWhenClosed(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(newFakeClock())

	for i := 0; i < 3; i++ {
		assert.Panics(t, func() {
			_ = cb.Run(ctx, func(context.Context) error { panic("boom") })
		})
	}
	assert.Equal(t, StateOpen, cb.State())
}

func TestSingleProbeAdmitted(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		_, _ = Execute(ctx, cb, failing)
	}
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	var invoked int32

	go func() {
		_, _ = Execute(ctx, cb, func(context.Context) (string, error) {
			atomic.AddInt32(&invoked, 1)
			close(probeStarted)
			<-release
			return "ok", nil
		})
	}()
	<-probeStarted

	var wg sync.WaitGroup
	var rejected int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Execute(ctx, cb, func(context.Context) (string, error) {
				atomic.AddInt32(&invoked, 1)
				return "ok", nil
			})
			if faults.Is(err, faults.KindCircuitOpen) {
				atomic.AddInt32(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&invoked))
	assert.Equal(t, int32(20), atomic.LoadInt32(&rejected))
	assert.Equal(t, StateHalfOpen, cb.State())

	close(release)
	require.Eventually(t, func() bool { return cb.State() == StateClosed }, time.Second, 5*time.Millisecond)
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cb := New(Options{Name: "aos", FailureThreshold: 1, OpenDuration: time.Minute, CallTimeout: 20 * time.Millisecond})

	err := cb.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindBackendFailure))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCallerCancellationIsNotAFailure(t *testing.T) {
	cb := New(Options{Name: "aos", FailureThreshold: 1, OpenDuration: time.Minute, CallTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Run(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBackendErrorCodeIsKept(t *testing.T) {
	cb := New(Options{Name: "aos"})

	err := cb.Run(context.Background(), func(context.Context) error {
		return codedError{code: "AOS-1042"}
	})

	var fe *faults.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "AOS-1042", fe.Code)
}

func TestStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var transitions []string

	cb := New(Options{
		Name:             "aos",
		FailureThreshold: 1,
		OpenDuration:     time.Second,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	}).WithClock(clock.Now)

	ctx := context.Background()
	_, _ = Execute(ctx, cb, failing)
	clock.Advance(time.Second)
	_, _ = Execute(ctx, cb, succeeding)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}
