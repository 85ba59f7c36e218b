package api

import (
	"context"

	"github.com/sagaweave/sagaweave/pkg/api/events"
	"github.com/sagaweave/sagaweave/pkg/api/handlers"
)

// StreamEvents forwards broadcaster events to websocket clients until ctx is
// cancelled or the broadcaster closes.
func StreamEvents(ctx context.Context, b *events.Broadcaster, ws *handlers.WebSocketHandler) {
	ch := b.Subscribe(64)
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = ws.Broadcast(handlers.EventMessage{
				Type:      event.Type,
				Timestamp: event.Timestamp,
				Payload:   event.Payload,
			})
		}
	}
}
