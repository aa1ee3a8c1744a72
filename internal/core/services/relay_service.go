package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
	"github.com/lorrc/marketplace-realtime/internal/core/ports"
	"github.com/lorrc/marketplace-realtime/internal/metrics"
	"github.com/lorrc/marketplace-realtime/internal/validation"
)

// RelayService turns inbound client events into room membership changes and
// timestamped outbound broadcasts.
type RelayService struct {
	registry   ports.RoomRegistry
	authorizer ports.JoinAuthorizer
	logger     *slog.Logger
	now        func() time.Time
	trace      bool
}

var _ ports.EventRelay = (*RelayService)(nil)

// RelayOption configures a RelayService.
type RelayOption func(*RelayService)

// WithClock overrides the source of server timestamps.
func WithClock(now func() time.Time) RelayOption {
	return func(s *RelayService) {
		s.now = now
	}
}

// WithTrace logs every inbound and outbound event at debug level.
func WithTrace(enabled bool) RelayOption {
	return func(s *RelayService) {
		s.trace = enabled
	}
}

// NewRelayService creates a new relay service. A nil authorizer admits every
// join.
func NewRelayService(
	registry ports.RoomRegistry,
	authorizer ports.JoinAuthorizer,
	logger *slog.Logger,
	opts ...RelayOption,
) *RelayService {
	if authorizer == nil {
		authorizer = ports.AllowAllJoins
	}
	s := &RelayService{
		registry:   registry,
		authorizer: authorizer,
		logger:     logger.With("component", "event_relay"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleInbound processes one event received from a socket. Rejected events
// are logged and dropped; the returned error tells the caller why.
func (s *RelayService) HandleInbound(ctx context.Context, peer domain.Peer, event domain.EventName, data json.RawMessage) error {
	s.traceEvent(ctx, "inbound", event, peer.SocketID, len(data))

	var err error
	switch event {
	case domain.EventJoinProduct:
		err = s.handleProductMembership(ctx, peer, data, true)
	case domain.EventLeaveProduct:
		err = s.handleProductMembership(ctx, peer, data, false)
	case domain.EventJoinProducts:
		err = s.join(ctx, peer, domain.CatalogRoom)
	case domain.EventLeaveProducts:
		err = s.leave(peer, domain.CatalogRoom)
	default:
		if event.IsMutation() {
			err = s.relayMutation(ctx, event, data)
		} else {
			err = fmt.Errorf("%w: %q", apperrors.ErrUnknownEvent, event)
		}
	}

	if err != nil {
		s.drop(ctx, event, peer.SocketID, err)
	}
	return err
}

// Notify relays a mutation reported by a server action. Membership events
// have no meaning without a socket and are rejected as unknown.
func (s *RelayService) Notify(ctx context.Context, event domain.EventName, data json.RawMessage) error {
	s.traceEvent(ctx, "notify", event, "", len(data))

	if !event.IsMutation() {
		err := fmt.Errorf("%w: %q", apperrors.ErrUnknownEvent, event)
		s.drop(ctx, event, "", err)
		return err
	}

	if err := s.relayMutation(ctx, event, data); err != nil {
		s.drop(ctx, event, "", err)
		return err
	}
	return nil
}

func (s *RelayService) handleProductMembership(ctx context.Context, peer domain.Peer, data json.RawMessage, join bool) error {
	productID, err := decodeProductID(data)
	if err != nil {
		return err
	}

	room := domain.ProductRoom(productID)
	if join {
		return s.join(ctx, peer, room)
	}
	return s.leave(peer, room)
}

func (s *RelayService) join(ctx context.Context, peer domain.Peer, room domain.Room) error {
	if err := s.authorizer.AuthorizeJoin(ctx, peer, room); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	return s.registry.Join(peer.SocketID, room)
}

func (s *RelayService) leave(peer domain.Peer, room domain.Room) error {
	return s.registry.Leave(peer.SocketID, room)
}

func (s *RelayService) relayMutation(ctx context.Context, event domain.EventName, data json.RawMessage) error {
	room, outbound, payload, err := s.buildOutbound(event, data)
	if err != nil {
		return err
	}

	if err := s.registry.Broadcast(room, outbound, payload); err != nil {
		return fmt.Errorf("broadcast %s to %s: %w", outbound, room, err)
	}

	metrics.RelayEventsRelayed.WithLabelValues(string(outbound)).Inc()
	s.traceEvent(ctx, "outbound", outbound, string(room), 0)
	return nil
}

// buildOutbound maps an inbound mutation to its target room, outbound event
// name and timestamped payload.
func (s *RelayService) buildOutbound(event domain.EventName, data json.RawMessage) (domain.Room, domain.EventName, any, error) {
	timestamp := domain.FormatTimestamp(s.now())

	switch event {
	case domain.EventNewReview:
		msg, err := validation.Decode[domain.NewReviewMessage](data)
		if err != nil {
			return "", "", nil, err
		}
		return domain.ProductRoom(msg.ProductID), domain.EventReviewAdded, domain.ReviewAdded{
			ProductID: msg.ProductID,
			Review:    *msg.Review,
			Timestamp: timestamp,
		}, nil

	case domain.EventNewProduct, domain.EventProductUpdated:
		msg, err := validation.Decode[domain.ProductMessage](data)
		if err != nil {
			return "", "", nil, err
		}
		outbound := domain.EventProductAdded
		if event == domain.EventProductUpdated {
			outbound = domain.EventProductUpdated
		}
		return domain.CatalogRoom, outbound, domain.ProductChanged{
			Product:   *msg.Product,
			Timestamp: timestamp,
		}, nil

	case domain.EventProductDeleted:
		msg, err := validation.Decode[domain.ProductDeletedMessage](data)
		if err != nil {
			return "", "", nil, err
		}
		return domain.CatalogRoom, domain.EventProductDeleted, domain.ProductDeleted{
			ProductID: msg.ProductID,
			Timestamp: timestamp,
		}, nil
	}

	return "", "", nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownEvent, event)
}

// decodeProductID reads the bare numeric payload of join-product and
// leave-product.
func decodeProductID(data json.RawMessage) (int64, error) {
	var productID int64
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: productId is required", apperrors.ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, &productID); err != nil {
		return 0, fmt.Errorf("%w: productId must be an integer", apperrors.ErrInvalidPayload)
	}
	if productID <= 0 {
		return 0, fmt.Errorf("%w: productId must be positive", apperrors.ErrInvalidPayload)
	}
	return productID, nil
}

func (s *RelayService) drop(ctx context.Context, event domain.EventName, socketID string, err error) {
	reason := dropReason(err)
	metrics.RelayEventsDropped.WithLabelValues(string(event), reason).Inc()

	s.logger.WarnContext(ctx, "dropping event",
		"event", event,
		"socket_id", socketID,
		"reason", reason,
		"error", err,
	)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrUnknownEvent):
		return metrics.DropReasonUnknownEvent
	case errors.Is(err, apperrors.ErrInvalidPayload):
		return metrics.DropReasonInvalidPayload
	case errors.Is(err, apperrors.ErrJoinForbidden), errors.Is(err, apperrors.ErrForbidden):
		return metrics.DropReasonForbidden
	default:
		return metrics.DropReasonBroadcast
	}
}

func (s *RelayService) traceEvent(ctx context.Context, direction string, event domain.EventName, target string, size int) {
	if !s.trace {
		return
	}
	s.logger.DebugContext(ctx, "relay trace",
		"direction", direction,
		"event", event,
		"target", target,
		"bytes", size,
	)
}
