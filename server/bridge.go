package server

import (
	"context"

	"github.com/forgecrew/foreman/events"
	"github.com/forgecrew/foreman/server/ws"
)

// Bridge forwards every domain event from the bus to the SSE hub. The
// bus awaits its handlers, so the bridge handler only performs a
// non-blocking hand-off per observer; it never does I/O synchronously.
type Bridge struct {
	hub   *ws.Hub
	unsub func()
}

// NewBridge subscribes to every event name on the bus.
func NewBridge(bus *events.Bus, hub *ws.Hub) *Bridge {
	b := &Bridge{hub: hub}
	b.unsub = bus.SubscribeAll(func(_ context.Context, name string, payload any) {
		hub.Broadcast(ws.Event{Type: name, Payload: payload})
	})
	return b
}

// Close detaches the bridge from the bus.
func (b *Bridge) Close() {
	if b.unsub != nil {
		b.unsub()
	}
}
