package ratelimit

import (
	"sync"
	"time"
)

// callerWindow holds the admitted request times of one caller.
type callerWindow struct {
	mu       sync.Mutex
	requests []time.Time
	removed  bool
}

// prune drops requests older than the window. Caller must hold w.mu.
func (w *callerWindow) prune(now time.Time, window time.Duration) {
	keep := 0
	for _, at := range w.requests {
		if now.Sub(at) < window {
			w.requests[keep] = at
			keep++
		}
	}
	w.requests = w.requests[:keep]
}

// SlidingWindow implements per-caller rate limiting with a sliding window.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	callers map[string]*callerWindow

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewSlidingWindow creates a sliding window limiter admitting limit calls per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if window <= 0 {
		window = time.Minute
	}
	sw := &SlidingWindow{
		limit:           limit,
		window:          window,
		now:             time.Now,
		callers:         make(map[string]*callerWindow),
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go sw.startCleanup()

	return sw
}

// WithClock overrides the clock for deterministic testing.
func (sw *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	sw.now = now
	return sw
}

func (sw *SlidingWindow) caller(callerID string) *callerWindow {
	sw.mu.RLock()
	w, ok := sw.callers[callerID]
	sw.mu.RUnlock()
	if ok {
		return w
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if w, ok = sw.callers[callerID]; !ok {
		w = &callerWindow{}
		sw.callers[callerID] = w
	}
	return w
}

// TryAcquire checks if a call from callerID is allowed and records it.
func (sw *SlidingWindow) TryAcquire(callerID string) bool {
	for {
		w := sw.caller(callerID)
		now := sw.now()

		w.mu.Lock()
		if w.removed {
			// cleanup dropped this entry after we looked it up
			w.mu.Unlock()
			continue
		}
		allowed := sw.admit(w, now)
		w.mu.Unlock()
		return allowed
	}
}

// admit records a request if the budget allows it. Caller must hold w.mu.
func (sw *SlidingWindow) admit(w *callerWindow, now time.Time) bool {
	w.prune(now, sw.window)
	if len(w.requests) >= sw.limit {
		return false
	}
	w.requests = append(w.requests, now)
	return true
}

// GetInfo returns the remaining budget and the time until the oldest
// admitted request leaves the window. It does not modify state.
func (sw *SlidingWindow) GetInfo(callerID string) Info {
	sw.mu.RLock()
	w, ok := sw.callers[callerID]
	sw.mu.RUnlock()
	if !ok {
		return Info{Remaining: sw.limit}
	}

	now := sw.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	used := 0
	var oldest time.Time
	for _, at := range w.requests {
		if now.Sub(at) < sw.window {
			if used == 0 {
				oldest = at
			}
			used++
		}
	}

	remaining := sw.limit - used
	if remaining < 0 {
		remaining = 0
	}
	info := Info{Remaining: remaining}
	if used > 0 {
		info.ResetIn = sw.window - now.Sub(oldest)
	}
	return info
}

// startCleanup periodically removes idle callers
func (sw *SlidingWindow) startCleanup() {
	ticker := time.NewTicker(sw.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.cleanup()
		case <-sw.stopCleanup:
			return
		}
	}
}

func (sw *SlidingWindow) cleanup() {
	now := sw.now()

	sw.mu.Lock()
	defer sw.mu.Unlock()

	for id, w := range sw.callers {
		w.mu.Lock()
		w.prune(now, sw.window)
		idle := len(w.requests) == 0
		if idle {
			w.removed = true
		}
		w.mu.Unlock()
		if idle {
			delete(sw.callers, id)
		}
	}
}

// Size returns the number of tracked callers.
func (sw *SlidingWindow) Size() int {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return len(sw.callers)
}

// Stop stops the cleanup goroutine
func (sw *SlidingWindow) Stop() {
	sw.stopOnce.Do(func() {
		close(sw.stopCleanup)
	})
}
