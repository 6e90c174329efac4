// Package ratelimit bounds how many tool invocations a caller may make per minute.
//
// Every limiter keeps independent state per caller id; acquires for different
// callers never wait on each other beyond a short registry lookup.
package ratelimit

import (
	"fmt"
	"time"
)

// Algorithm names accepted in Options.
const (
	AlgorithmWindow = "window"
	AlgorithmToken  = "token"
	AlgorithmRedis  = "redis"
)

// Info is a read-only snapshot of a caller's remaining budget.
type Info struct {
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
}

// Limiter admits or rejects calls per caller.
type Limiter interface {
	// TryAcquire consumes one unit of the caller's budget if any is left.
	TryAcquire(callerID string) bool
	// GetInfo reports the caller's budget without consuming it.
	GetInfo(callerID string) Info
	// Stop releases background resources.
	Stop()
}

// Options configures a limiter.
type Options struct {
	Enabled           bool
	RequestsPerMinute int
	Algorithm         string
	Window            time.Duration // defaults to one minute
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.RequestsPerMinute <= 0 {
		o.RequestsPerMinute = 60
	}
	if o.Algorithm == "" {
		o.Algorithm = AlgorithmWindow
	}
	return o
}

// New creates an in-process limiter. Use NewRedis for the shared variant.
func New(opts Options) (Limiter, error) {
	opts = opts.withDefaults()
	if !opts.Enabled {
		return Disabled{Budget: opts.RequestsPerMinute}, nil
	}

	switch opts.Algorithm {
	case AlgorithmWindow:
		return NewSlidingWindow(opts.RequestsPerMinute, opts.Window), nil
	case AlgorithmToken:
		return NewTokenBucket(opts.RequestsPerMinute, opts.Window), nil
	case AlgorithmRedis:
		return nil, fmt.Errorf("redis limiter requires a client, use NewRedis")
	default:
		return nil, fmt.Errorf("unknown rate limit algorithm: %s", opts.Algorithm)
	}
}

// Disabled admits every call.
type Disabled struct {
	Budget int
}

func (d Disabled) TryAcquire(string) bool { return true }

func (d Disabled) GetInfo(string) Info { return Info{Remaining: d.Budget} }

func (d Disabled) Stop() {}
