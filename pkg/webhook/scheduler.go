package webhook

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/harun/aosgate/internal/observability"
)

type scheduleEntry struct {
	deliveryID string
	dueAt      time.Time
	index      int
}

type scheduleHeap []*scheduleEntry

func (h scheduleHeap) Len() int           { return len(h) }
func (h scheduleHeap) Less(i, j int) bool { return h[i].dueAt.Before(h[j].dueAt) }
func (h scheduleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduleHeap) Push(x interface{}) {
	entry := x.(*scheduleEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *scheduleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// scheduler hands delivery ids to workers when they fall due. One goroutine
// waits on a timer for the earliest entry; pending retries hold no goroutine.
type scheduler struct {
	mu      sync.Mutex
	entries scheduleHeap
	queued  map[string]*scheduleEntry
	wake    chan struct{}
}

func newScheduler() *scheduler {
	return &scheduler{
		queued: make(map[string]*scheduleEntry),
		wake:   make(chan struct{}, 1),
	}
}

// schedule queues deliveryID at dueAt. A delivery already queued is moved.
func (s *scheduler) schedule(deliveryID string, dueAt time.Time) {
	s.mu.Lock()
	if entry, ok := s.queued[deliveryID]; ok {
		entry.dueAt = dueAt
		heap.Fix(&s.entries, entry.index)
	} else {
		entry := &scheduleEntry{deliveryID: deliveryID, dueAt: dueAt}
		heap.Push(&s.entries, entry)
		s.queued[deliveryID] = entry
	}
	size := len(s.entries)
	s.mu.Unlock()

	observability.SetWebhookScheduled(size)

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) popDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for len(s.entries) > 0 && !s.entries[0].dueAt.After(now) {
		entry := heap.Pop(&s.entries).(*scheduleEntry)
		delete(s.queued, entry.deliveryID)
		due = append(due, entry.deliveryID)
	}
	if len(due) > 0 {
		observability.SetWebhookScheduled(len(s.entries))
	}
	return due
}

func (s *scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].dueAt, true
}

func (s *scheduler) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// run feeds due ids into out until ctx is done. Sends block while every
// worker is busy.
func (s *scheduler) run(ctx context.Context, out chan<- string) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, id := range s.popDue(time.Now()) {
			select {
			case out <- id:
			case <-ctx.Done():
				return
			}
		}

		wait := time.Hour
		if next, ok := s.nextDue(); ok {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}
