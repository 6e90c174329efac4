package webhook

import (
	"sort"
	"sync"
	"time"
)

// AttemptStats summarizes HTTP attempts made for one subscription since start.
type AttemptStats struct {
	SubscriptionID      string    `json:"subscriptionId"`
	TotalAttempts       int64     `json:"totalAttempts"`
	SuccessCount        int64     `json:"successCount"`
	FailureCount        int64     `json:"failureCount"`
	AverageResponseTime float64   `json:"averageResponseTime"` // milliseconds
	LastAttemptAt       time.Time `json:"lastAttemptAt,omitempty"`
}

// statsTracker keeps in-process attempt statistics per subscription.
type statsTracker struct {
	mu    sync.RWMutex
	stats map[string]*AttemptStats
}

func newStatsTracker() *statsTracker {
	return &statsTracker{stats: make(map[string]*AttemptStats)}
}

func (st *statsTracker) track(subscriptionID string, success bool, duration time.Duration, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.stats[subscriptionID]
	if !ok {
		s = &AttemptStats{SubscriptionID: subscriptionID}
		st.stats[subscriptionID] = s
	}

	s.TotalAttempts++
	if success {
		s.SuccessCount++
	} else {
		s.FailureCount++
	}

	// running average
	ms := float64(duration) / float64(time.Millisecond)
	s.AverageResponseTime = (s.AverageResponseTime*float64(s.TotalAttempts-1) + ms) / float64(s.TotalAttempts)
	s.LastAttemptAt = at
}

func (st *statsTracker) all() []AttemptStats {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]AttemptStats, 0, len(st.stats))
	for _, s := range st.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return out
}

func (st *statsTracker) get(subscriptionID string) (AttemptStats, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.stats[subscriptionID]
	if !ok {
		return AttemptStats{}, false
	}
	return *s, true
}

func (st *statsTracker) forget(subscriptionID string) {
	st.mu.Lock()
	delete(st.stats, subscriptionID)
	st.mu.Unlock()
}
