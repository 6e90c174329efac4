package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harun/aosgate/pkg/faults"
)

// Repository persists subscriptions and delivery records.
type Repository interface {
	// ListActive returns active subscriptions for eventType, including
	// wildcard subscriptions.
	ListActive(ctx context.Context, eventType string) ([]Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	GetSubscription(ctx context.Context, id string) (Subscription, error)
	SaveSubscription(ctx context.Context, sub Subscription) error
	// DeleteSubscription removes the subscription and all of its deliveries.
	DeleteSubscription(ctx context.Context, id string) error
	// RecordOutcome atomically bumps the success or failure counter. A
	// success also sets LastTriggeredAt.
	RecordOutcome(ctx context.Context, subscriptionID string, success bool, at time.Time) error

	SaveDelivery(ctx context.Context, d Delivery) error
	GetDelivery(ctx context.Context, id string) (Delivery, error)
	// ListDeliveries returns matching deliveries, newest first.
	ListDeliveries(ctx context.Context, q DeliveryQuery) ([]Delivery, error)
	// PendingDeliveries returns deliveries that still have attempts to make.
	PendingDeliveries(ctx context.Context) ([]Delivery, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu            sync.RWMutex
	subscriptions map[string]Subscription
	deliveries    map[string]Delivery
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		subscriptions: make(map[string]Subscription),
		deliveries:    make(map[string]Delivery),
	}
}

func (r *MemoryRepository) ListActive(ctx context.Context, eventType string) ([]Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for _, sub := range r.subscriptions {
		if !sub.Active {
			continue
		}
		if sub.EventType == eventType || sub.EventType == AnyEvent {
			out = append(out, cloneSubscription(sub))
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (r *MemoryRepository) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		out = append(out, cloneSubscription(sub))
	}
	sortSubscriptions(out)
	return out, nil
}

func (r *MemoryRepository) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subscriptions[id]
	if !ok {
		return Subscription{}, faults.NotFound("subscription %s not found", id)
	}
	return cloneSubscription(sub), nil
}

func (r *MemoryRepository) SaveSubscription(ctx context.Context, sub Subscription) error {
	if sub.ID == "" {
		return faults.InvalidInput("subscription id is required")
	}
	r.mu.Lock()
	r.subscriptions[sub.ID] = cloneSubscription(sub)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) DeleteSubscription(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscriptions[id]; !ok {
		return faults.NotFound("subscription %s not found", id)
	}
	delete(r.subscriptions, id)
	for deliveryID, d := range r.deliveries {
		if d.SubscriptionID == id {
			delete(r.deliveries, deliveryID)
		}
	}
	return nil
}

func (r *MemoryRepository) RecordOutcome(ctx context.Context, subscriptionID string, success bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscriptions[subscriptionID]
	if !ok {
		return faults.NotFound("subscription %s not found", subscriptionID)
	}
	if success {
		sub.SuccessCount++
		triggered := at
		sub.LastTriggeredAt = &triggered
	} else {
		sub.FailureCount++
	}
	r.subscriptions[subscriptionID] = sub
	return nil
}

func (r *MemoryRepository) SaveDelivery(ctx context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscriptions[d.SubscriptionID]; !ok {
		return faults.NotFound("subscription %s not found", d.SubscriptionID)
	}
	r.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (r *MemoryRepository) GetDelivery(ctx context.Context, id string) (Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.deliveries[id]
	if !ok {
		return Delivery{}, faults.NotFound("delivery %s not found", id)
	}
	return cloneDelivery(d), nil
}

func (r *MemoryRepository) ListDeliveries(ctx context.Context, q DeliveryQuery) ([]Delivery, error) {
	r.mu.RLock()
	var out []Delivery
	for _, d := range r.deliveries {
		if q.SubscriptionID != "" && d.SubscriptionID != q.SubscriptionID {
			continue
		}
		if q.EventType != "" && d.EventType != q.EventType {
			continue
		}
		if q.Status != "" && d.Status != q.Status {
			continue
		}
		if !q.Since.IsZero() && d.FirstAttemptAt.Before(q.Since) {
			continue
		}
		out = append(out, cloneDelivery(d))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstAttemptAt.Equal(out[j].FirstAttemptAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstAttemptAt.After(out[j].FirstAttemptAt)
	})
	return paginate(out, q.Offset, q.Limit), nil
}

func (r *MemoryRepository) PendingDeliveries(ctx context.Context) ([]Delivery, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Delivery
	for _, d := range r.deliveries {
		if !d.Status.Terminal() {
			out = append(out, cloneDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstAttemptAt.Before(out[j].FirstAttemptAt) })
	return out, nil
}

func paginate(items []Delivery, offset, limit int) []Delivery {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func sortSubscriptions(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

func cloneSubscription(sub Subscription) Subscription {
	out := sub
	if sub.Filter != nil {
		out.Filter = make(map[string]string, len(sub.Filter))
		for k, v := range sub.Filter {
			out.Filter[k] = v
		}
	}
	if sub.LastTriggeredAt != nil {
		at := *sub.LastTriggeredAt
		out.LastTriggeredAt = &at
	}
	return out
}

func cloneDelivery(d Delivery) Delivery {
	out := d
	out.Payload = append([]byte(nil), d.Payload...)
	if d.CompletedAt != nil {
		at := *d.CompletedAt
		out.CompletedAt = &at
	}
	if d.NextAttemptAt != nil {
		at := *d.NextAttemptAt
		out.NextAttemptAt = &at
	}
	return out
}
