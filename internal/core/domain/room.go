package domain

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
)

// ErrInvalidRoom is returned when a room identifier has neither known shape.
var ErrInvalidRoom = apperrors.ErrInvalidRoom

// Room identifies a broadcast group.
type Room string

// CatalogRoom is the catalog-wide stream.
const CatalogRoom Room = "products"

const productRoomPrefix = "product-"

// ProductRoom returns the review stream room of a product.
func ProductRoom(productID int64) Room {
	return Room(productRoomPrefix + strconv.FormatInt(productID, 10))
}

// ProductID extracts the product id of a product-<id> room.
func (r Room) ProductID() (int64, bool) {
	s, ok := strings.CutPrefix(string(r), productRoomPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IsValid reports whether the room has one of the two known shapes.
func (r Room) IsValid() bool {
	if r == CatalogRoom {
		return true
	}
	_, ok := r.ProductID()
	return ok
}

func (r Room) String() string {
	return string(r)
}

// ParseRoom validates a room identifier.
func ParseRoom(s string) (Room, error) {
	room := Room(s)
	if !room.IsValid() {
		return "", ErrInvalidRoom
	}
	return room, nil
}

// Peer identifies the origin of an inbound event. Server-side notifications
// use the zero Peer.
type Peer struct {
	SocketID string
	// UserID is set when the socket presented a valid token.
	UserID *uuid.UUID
}

// IsAnonymous reports whether the peer has no authenticated identity.
func (p Peer) IsAnonymous() bool {
	return p.UserID == nil
}
