// Package breaker protects the ERP backend with a circuit breaker.
//
// State machine:
//
//	[closed] ---(failureThreshold consecutive failures)---> [open]
//	[open] ---(first call at or after openUntil)---> [half-open]
//	[half-open] ---(probe succeeds)---> [closed]
//	[half-open] ---(probe fails)---> [open]
//
// Only one probe is in flight while half-open; every other call fails fast.
// A call that panics is recorded as a failure before the panic propagates.
// The wrapped call always runs outside the breaker's lock.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/aosgate/pkg/faults"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a CircuitBreaker.
type Options struct {
	Name             string
	FailureThreshold int
	OpenDuration     time.Duration
	CallTimeout      time.Duration
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

// CircuitBreaker wraps calls to an unreliable dependency.
type CircuitBreaker struct {
	name          string
	threshold     int
	openDuration  time.Duration
	callTimeout   time.Duration
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openUntil time.Time
}

// New creates a closed breaker.
func New(opts Options) *CircuitBreaker {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:          opts.Name,
		threshold:     opts.FailureThreshold,
		openDuration:  opts.OpenDuration,
		callTimeout:   opts.CallTimeout,
		onStateChange: opts.OnStateChange,
		now:           time.Now,
		state:         StateClosed,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the current state, failure count and open deadline.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := Snapshot{Name: cb.name, State: cb.state.String(), Failures: cb.failures}
	if cb.state == StateOpen {
		s.OpenUntil = cb.openUntil
	}
	return s
}

// Execute runs action through the breaker.
func Execute[T any](ctx context.Context, cb *CircuitBreaker, action func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	probe, err := cb.acquire()
	if err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.callTimeout)
	defer cancel()

	returned := false
	defer func() {
		// A panicking action counts as a failure and the panic keeps going.
		if !returned {
			cb.onFailure(probe)
		}
	}()
	result, err := action(callCtx)
	returned = true
	if err == nil {
		cb.onSuccess(probe)
		return result, nil
	}

	// The caller gave up; that says nothing about the backend.
	if ctx.Err() != nil {
		cb.release(probe)
		return zero, ctx.Err()
	}

	cb.onFailure(probe)

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return zero, faults.Wrap(faults.KindBackendFailure, err, "call exceeded %s", cb.callTimeout)
	}
	if faults.KindOf(err) != "" {
		return zero, err
	}
	return zero, faults.BackendFailure(codeOf(err), err)
}

// Run is Execute for actions without a result.
func (cb *CircuitBreaker) Run(ctx context.Context, action func(ctx context.Context) error) error {
	_, err := Execute(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, action(ctx)
	})
	return err
}

// acquire decides whether a call may proceed and whether it is the
// half-open probe.
func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return false, nil

	case StateOpen:
		now := cb.now()
		if now.Before(cb.openUntil) {
			wait := cb.openUntil.Sub(now)
			cb.mu.Unlock()
			return false, faults.CircuitOpen(cb.name, wait)
		}
		cb.setState(StateHalfOpen)
		return true, nil

	default: // half-open: a probe is already in flight
		wait := cb.openDuration
		cb.mu.Unlock()
		return false, faults.CircuitOpen(cb.name, wait)
	}
}

// onSuccess records a successful call. Results of calls admitted before the
// breaker opened do not move an open or half-open breaker.
func (cb *CircuitBreaker) onSuccess(probe bool) {
	cb.mu.Lock()
	switch {
	case probe && cb.state == StateHalfOpen:
		cb.failures = 0
		cb.setState(StateClosed)
		return
	case cb.state == StateClosed:
		cb.failures = 0
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) onFailure(probe bool) {
	cb.mu.Lock()
	switch {
	case probe && cb.state == StateHalfOpen:
		cb.openUntil = cb.now().Add(cb.openDuration)
		cb.setState(StateOpen)
		return
	case cb.state == StateClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.openUntil = cb.now().Add(cb.openDuration)
			cb.setState(StateOpen)
			return
		}
	}
	cb.mu.Unlock()
}

// release hands back the probe slot without judging the backend.
func (cb *CircuitBreaker) release(probe bool) {
	cb.mu.Lock()
	if probe && cb.state == StateHalfOpen {
		// the next caller may probe immediately
		cb.openUntil = cb.now()
		cb.setState(StateOpen)
		return
	}
	cb.mu.Unlock()
}

// setState transitions and unlocks cb.mu before invoking the hook.
// Caller must hold cb.mu.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	cb.state = to
	hook := cb.onStateChange
	cb.mu.Unlock()

	if hook != nil && from != to {
		hook(cb.name, from, to)
	}
}

// coder is implemented by backend errors that carry an error code.
type coder interface {
	ErrorCode() string
}

func codeOf(err error) string {
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}
