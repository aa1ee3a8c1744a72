package ports

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/lorrc/marketplace-realtime/internal/core/domain"
)

// EventRelay defines the port for turning inbound events into room operations
// and outbound broadcasts.
type EventRelay interface {
	// HandleInbound processes one event received from a socket.
	HandleInbound(ctx context.Context, peer domain.Peer, event domain.EventName, data json.RawMessage) error
	// Notify processes a mutation notification reported by a server action.
	Notify(ctx context.Context, event domain.EventName, data json.RawMessage) error
}

// JoinAuthorizer decides whether a peer may join a room. Implementations
// return apperrors.ErrJoinForbidden to refuse.
type JoinAuthorizer interface {
	AuthorizeJoin(ctx context.Context, peer domain.Peer, room domain.Room) error
}

// JoinAuthorizerFunc adapts a function to JoinAuthorizer.
type JoinAuthorizerFunc func(ctx context.Context, peer domain.Peer, room domain.Room) error

// AuthorizeJoin calls f.
func (f JoinAuthorizerFunc) AuthorizeJoin(ctx context.Context, peer domain.Peer, room domain.Room) error {
	return f(ctx, peer, room)
}

// AllowAllJoins admits every peer into every room.
var AllowAllJoins JoinAuthorizer = JoinAuthorizerFunc(func(context.Context, domain.Peer, domain.Room) error {
	return nil
})
