package domain

import (
	"time"

	"github.com/goccy/go-json"
)

// EventName defines the name of a real-time event on the wire.
type EventName string

// Client -> server events.
const (
	EventJoinProduct    EventName = "join-product"
	EventLeaveProduct   EventName = "leave-product"
	EventJoinProducts   EventName = "join-products"
	EventLeaveProducts  EventName = "leave-products"
	EventNewReview      EventName = "new-review"
	EventNewProduct     EventName = "new-product"
	EventProductUpdated EventName = "product-updated"
	EventProductDeleted EventName = "product-deleted"
)

// Server -> client events. product-updated and product-deleted reuse the
// inbound names.
const (
	EventReviewAdded  EventName = "review-added"
	EventProductAdded EventName = "product-added"
)

// Keep-alive events answered directly by the socket.
const (
	EventPing EventName = "ping"
	EventPong EventName = "pong"
)

// IsInbound reports whether a client may send this event.
func (e EventName) IsInbound() bool {
	switch e {
	case EventJoinProduct, EventLeaveProduct, EventJoinProducts, EventLeaveProducts,
		EventNewReview, EventNewProduct, EventProductUpdated, EventProductDeleted:
		return true
	}
	return false
}

// IsOutbound reports whether the server emits this event to rooms.
func (e EventName) IsOutbound() bool {
	switch e {
	case EventReviewAdded, EventProductAdded, EventProductUpdated, EventProductDeleted:
		return true
	}
	return false
}

// IsMutation reports whether the event is a mutation notification
// (as opposed to a room membership request).
func (e EventName) IsMutation() bool {
	switch e {
	case EventNewReview, EventNewProduct, EventProductUpdated, EventProductDeleted:
		return true
	}
	return false
}

// Frame is the JSON text frame exchanged over the socket.
type Frame struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an event and its payload into a wire frame.
// A nil payload produces a frame without data.
func EncodeFrame(event EventName, payload any) ([]byte, error) {
	frame := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		frame.Data = data
	}
	return json.Marshal(frame)
}

// DecodeFrame parses a wire frame. The payload is left raw so the receiver
// can decode it by event name.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// timestampLayout matches the ISO-8601 shape browsers produce with
// Date.prototype.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders a server timestamp for outbound payloads.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses a timestamp produced by FormatTimestamp or any
// RFC 3339 value.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
