package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/aosgate/pkg/events"
)

func TestPublishSurvivesFailingHandler(t *testing.T) {
	bus := New(zerolog.Nop())
	ctx := context.Background()

	var completed int32
	Subscribe(bus, func(ctx context.Context, e events.SalesOrderCreated) error {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&completed, 1)
		return nil
	})
	Subscribe(bus, func(ctx context.Context, e events.SalesOrderCreated) error {
		return errors.New("downstream unavailable")
	})
	Subscribe(bus, func(ctx context.Context, e events.SalesOrderCreated) error {
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&completed, 1)
		return nil
	})

	assert.NotPanics(t, func() {
		Publish(ctx, bus, events.SalesOrderCreated{OrderID: "SO-1"})
	})
	// Publish waits for every handler
	assert.Equal(t, int32(2), atomic.LoadInt32(&completed))
}

func TestPublishReportJoinsFailures(t *testing.T) {
	bus := New(zerolog.Nop())

	Subscribe(bus, func(ctx context.Context, e events.PaymentPosted) error {
		return errors.New("first")
	})
	Subscribe(bus, func(ctx context.Context, e events.PaymentPosted) error {
		panic("second")
	})
	Subscribe(bus, func(ctx context.Context, e events.PaymentPosted) error {
		return nil
	})

	err := PublishReport(context.Background(), bus, events.PaymentPosted{PaymentID: "P-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
	assert.Contains(t, err.Error(), "panicked: second")
}

func TestRoutesByExactType(t *testing.T) {
	bus := New(zerolog.Nop())

	var orders, payments int32
	Subscribe(bus, func(ctx context.Context, e events.SalesOrderCreated) error {
		atomic.AddInt32(&orders, 1)
		return nil
	})
	Subscribe(bus, func(ctx context.Context, e events.PaymentPosted) error {
		atomic.AddInt32(&payments, 1)
		return nil
	})

	Publish(context.Background(), bus, events.SalesOrderCreated{OrderID: "SO-1"})

	// publishing through the interface routes on the dynamic type
	var evt events.Event = events.PaymentPosted{PaymentID: "P-1"}
	Publish(context.Background(), bus, evt)

	assert.Equal(t, int32(1), orders)
	assert.Equal(t, int32(1), payments)
}

func TestSubscribeAllAndUnsubscribe(t *testing.T) {
	bus := New(zerolog.Nop())

	var mu sync.Mutex
	var seen []string
	unsubscribe := SubscribeAll(bus, func(ctx context.Context, e interface{}) error {
		if evt, ok := e.(events.Event); ok {
			mu.Lock()
			seen = append(seen, evt.EventType())
			mu.Unlock()
		}
		return nil
	})

	Publish(context.Background(), bus, events.InvoiceCreated{InvoiceID: "INV-1"})
	Publish(context.Background(), bus, events.InventoryLowStock{ItemID: "I-1"})
	assert.Equal(t, 1, bus.HandlerCount(events.InvoiceCreated{}))

	unsubscribe()
	unsubscribe()
	Publish(context.Background(), bus, events.InvoiceCreated{InvoiceID: "INV-2"})

	assert.ElementsMatch(t, []string{events.TypeInvoiceCreated, events.TypeInventoryLowStock}, seen)
	assert.Equal(t, 0, bus.HandlerCount(events.InvoiceCreated{}))
}

func TestLateSubscriberMissesEarlierEvents(t *testing.T) {
	bus := New(zerolog.Nop())
	Publish(context.Background(), bus, events.SalesOrderUpdated{OrderID: "SO-1"})

	var got int32
	Subscribe(bus, func(ctx context.Context, e events.SalesOrderUpdated) error {
		atomic.AddInt32(&got, 1)
		return nil
	})
	assert.Equal(t, int32(0), atomic.LoadInt32(&got))
}

func TestHandlersRunConcurrently(t *testing.T) {
	bus := New(zerolog.Nop())
	start := make(chan struct{})
	var ready sync.WaitGroup
	ready.Add(2)

	for i := 0; i < 2; i++ {
		Subscribe(bus, func(ctx context.Context, e events.SalesOrderCreated) error {
			ready.Done()
			<-start
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		Publish(context.Background(), bus, events.SalesOrderCreated{})
		close(done)
	}()

	// both handlers block until the other one has started
	ready.Wait()
	close(start)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not return")
	}
}
