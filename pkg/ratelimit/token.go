package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket limits each caller with a token bucket refilled at
// limit tokens per window, holding at most limit tokens. A bucket that
// starts full and refills would admit close to twice the limit inside
// one window, so admissions are also capped at limit per sliding window.
type TokenBucket struct {
	limit  int
	every  rate.Limit
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	buckets map[string]*callerBucket
}

type callerBucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	admitted []time.Time
}

// prune drops admissions that left the window ending at now.
func (cb *callerBucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(cb.admitted) && !cb.admitted[i].After(cutoff) {
		i++
	}
	cb.admitted = cb.admitted[i:]
}

// NewTokenBucket creates a token bucket limiter.
func NewTokenBucket(limit int, window time.Duration) *TokenBucket {
	if window <= 0 {
		window = time.Minute
	}
	return &TokenBucket{
		limit:   limit,
		every:   rate.Every(window / time.Duration(limit)),
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*callerBucket),
	}
}

// WithClock overrides the clock for deterministic testing.
func (tb *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	tb.now = now
	return tb
}

func (tb *TokenBucket) bucket(callerID string) *callerBucket {
	tb.mu.RLock()
	b, ok := tb.buckets[callerID]
	tb.mu.RUnlock()
	if ok {
		return b
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if b, ok = tb.buckets[callerID]; !ok {
		b = &callerBucket{
			lim:      rate.NewLimiter(tb.every, tb.limit),
			admitted: make([]time.Time, 0, tb.limit),
		}
		tb.buckets[callerID] = b
	}
	return b
}

// TryAcquire takes one token from the caller's bucket.
func (tb *TokenBucket) TryAcquire(callerID string) bool {
	b := tb.bucket(callerID)
	now := tb.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, tb.window)
	if len(b.admitted) >= tb.limit {
		return false
	}
	if !b.lim.AllowN(now, 1) {
		return false
	}
	b.admitted = append(b.admitted, now)
	return true
}

// GetInfo reports whole tokens left and the time until the caller can
// spend a full limit again.
func (tb *TokenBucket) GetInfo(callerID string) Info {
	tb.mu.RLock()
	b, ok := tb.buckets[callerID]
	tb.mu.RUnlock()
	if !ok {
		return Info{Remaining: tb.limit}
	}

	now := tb.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(now, tb.window)

	tokens := b.lim.TokensAt(now)
	remaining := int(math.Floor(tokens))
	if capLeft := tb.limit - len(b.admitted); capLeft < remaining {
		remaining = capLeft
	}
	if remaining < 0 {
		remaining = 0
	}

	var resetIn time.Duration
	if missing := float64(tb.limit) - tokens; missing > 0 {
		perToken := tb.window / time.Duration(tb.limit)
		resetIn = time.Duration(missing * float64(perToken))
	}
	if n := len(b.admitted); n > 0 {
		if untilClear := b.admitted[n-1].Add(tb.window).Sub(now); untilClear > resetIn {
			resetIn = untilClear
		}
	}
	return Info{Remaining: remaining, ResetIn: resetIn}
}

// Stop is a no-op; buckets hold no goroutines.
func (tb *TokenBucket) Stop() {}
