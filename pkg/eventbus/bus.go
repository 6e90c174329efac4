// Package eventbus is an in-process publish/subscribe hub for domain events.
//
// Invariants:
// - Publish delivers to the handlers registered at the time of the call.
// - Handlers for one event run concurrently; Publish returns after all finish.
// - A failing or panicking handler never stops other handlers and never
//   makes Publish fail.
// - Nothing is persisted or replayed.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

type handlerFunc func(ctx context.Context, event interface{}) error

type subscription struct {
	id      uint64
	name    string
	handler handlerFunc
}

// Bus routes events to handlers by the event's concrete Go type.
type Bus struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[reflect.Type][]subscription
	wildcard []subscription
	nextID   uint64
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:   logger.With().Str("component", "eventbus").Logger(),
		handlers: make(map[reflect.Type][]subscription),
	}
}

// Subscribe registers handler for events of exactly type T.
// The returned function removes the registration.
func Subscribe[T any](b *Bus, handler func(ctx context.Context, event T) error) func() {
	eventType := reflect.TypeOf((*T)(nil)).Elem()
	wrapped := func(ctx context.Context, event interface{}) error {
		typed, ok := event.(T)
		if !ok {
			return fmt.Errorf("event %T is not %s", event, eventType)
		}
		return handler(ctx, typed)
	}
	return b.add(eventType, eventType.String(), wrapped)
}

// SubscribeAll registers handler for every published event.
func SubscribeAll(b *Bus, handler func(ctx context.Context, event interface{}) error) func() {
	return b.add(nil, "*", handler)
}

func (b *Bus) add(eventType reflect.Type, name string, handler handlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	sub := subscription{id: b.nextID, name: name, handler: handler}
	if eventType == nil {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.handlers[eventType] = append(b.handlers[eventType], sub)
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if eventType == nil {
				b.wildcard = removeSubscription(b.wildcard, sub.id)
				return
			}
			remaining := removeSubscription(b.handlers[eventType], sub.id)
			if len(remaining) == 0 {
				delete(b.handlers, eventType)
			} else {
				b.handlers[eventType] = remaining
			}
		})
	}
}

func removeSubscription(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}

// Publish delivers event to every matching handler and waits for them.
// Handler failures are logged and swallowed.
func Publish[T any](ctx context.Context, b *Bus, event T) {
	_ = PublishReport(ctx, b, event)
}

// PublishReport is Publish that also returns the joined handler failures.
func PublishReport[T any](ctx context.Context, b *Bus, event T) error {
	var boxed interface{} = event
	if boxed == nil {
		return nil
	}
	return b.dispatch(ctx, boxed)
}

// HandlerCount returns how many handlers would receive an event of the same
// type as event, including wildcard handlers.
func (b *Bus) HandlerCount(event interface{}) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[reflect.TypeOf(event)]) + len(b.wildcard)
}

func (b *Bus) dispatch(ctx context.Context, event interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers[reflect.TypeOf(event)])+len(b.wildcard))
	subs = append(subs, b.handlers[reflect.TypeOf(event)]...)
	subs = append(subs, b.wildcard...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub subscription) {
			defer wg.Done()
			errs[i] = b.invoke(ctx, sub, event)
		}(i, sub)
	}
	wg.Wait()

	var failed []error
	for i, err := range errs {
		if err == nil {
			continue
		}
		b.logger.Error().
			Err(err).
			Str("event_type", fmt.Sprintf("%T", event)).
			Str("handler", subs[i].name).
			Uint64("subscription_id", subs[i].id).
			Msg("Event handler failed")
		failed = append(failed, err)
	}
	return errors.Join(failed...)
}

func (b *Bus) invoke(ctx context.Context, sub subscription, event interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}
