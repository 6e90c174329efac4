package gateway

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/harun/aosgate/internal/tracing"
	"github.com/harun/aosgate/pkg/eventbus"
	"github.com/harun/aosgate/pkg/events"
)

// EventBroadcaster pushes domain events to authenticated clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Attach forwards every domain event published on bus. The returned
// function detaches.
func (b *EventBroadcaster) Attach(bus *eventbus.Bus) func() {
	return eventbus.SubscribeAll(bus, func(ctx context.Context, event interface{}) error {
		if evt, ok := event.(events.Event); ok {
			b.Publish(ctx, evt)
		}
		return nil
	})
}

// Publish sends one domain event.
func (b *EventBroadcaster) Publish(ctx context.Context, event events.Event) {
	b.Broadcast(EventMessage{
		Event:   event.EventType(),
		Data:    event.Fields(),
		TraceID: tracing.GetTraceID(ctx),
	})
}

// Broadcast fills in sequence metadata and sends msg to every
// authenticated client. Per-client write failures are logged and skipped.
func (b *EventBroadcaster) Broadcast(msg EventMessage) {
	msg.Type = "event"
	msg.Seq = int64(atomic.AddUint64(&b.seq, 1))
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		return
	}

	failed := 0
	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn().Err(err).Str("clientId", client.ID).Str("event", msg.Event).Msg("Failed to push event to client")
			failed++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("failed", failed).
		Msg("Event broadcast complete")
}
