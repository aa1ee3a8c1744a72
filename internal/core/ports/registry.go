package ports

import (
	"context"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
)

// RoomRegistry maps rooms to connected sockets and fans events out to them.
// Rooms are created on first join; an empty room needs no explicit teardown.
type RoomRegistry interface {
	Join(socketID string, room domain.Room) error
	Leave(socketID string, room domain.Room) error
	// LeaveAll drops every membership of a socket. Called on disconnect.
	LeaveAll(socketID string) error
	// Broadcast delivers an event to every member of the room, the sender
	// included.
	Broadcast(room domain.Room, event domain.EventName, payload any) error
}

// RoomBus carries encoded frames between broker instances so that a
// broadcast on one instance reaches room members connected to any other.
type RoomBus interface {
	// Publish sends a frame addressed to a room to every subscribed instance,
	// the publishing instance included.
	Publish(ctx context.Context, room domain.Room, frame []byte) error
	// Subscribe blocks, invoking deliver for every frame received, until ctx
	// is done or the bus fails. ready, when not nil, is called once frames
	// published from then on are guaranteed to be delivered.
	Subscribe(ctx context.Context, deliver func(room domain.Room, frame []byte), ready func()) error
	// Healthy reports whether the bus connection is usable.
	Healthy(ctx context.Context) error
	Close() error
}
