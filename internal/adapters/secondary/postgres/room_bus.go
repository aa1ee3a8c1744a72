package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
	"github.com/lorrc/marketplace-realtime/internal/core/ports"
	"github.com/lorrc/marketplace-realtime/internal/metrics"
)

// Driver is the name used in metrics and configuration.
const Driver = "postgres"

// maxNotifyPayload is the largest payload NOTIFY accepts in a default build.
const maxNotifyPayload = 7999

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// notification is the NOTIFY payload. The frame is already JSON and is
// embedded as is.
type notification struct {
	Room  domain.Room     `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// RoomBus is a ports.RoomBus backed by LISTEN/NOTIFY on a single channel.
type RoomBus struct {
	pool    *pgxpool.Pool
	channel string
	logger  *slog.Logger
}

var _ ports.RoomBus = (*RoomBus)(nil)

// NewRoomBus creates a bus on the given notification channel. The channel
// must be a plain lower-case identifier.
func NewRoomBus(pool *pgxpool.Pool, channel string, logger *slog.Logger) (*RoomBus, error) {
	if !channelPattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid notification channel %q", channel)
	}
	return &RoomBus{
		pool:    pool,
		channel: channel,
		logger:  logger.With("component", "postgres_bus", "channel", channel),
	}, nil
}

// Publish sends a frame to every listener of the channel. Frames that do not
// fit a NOTIFY payload are rejected with ErrFrameTooLarge.
func (b *RoomBus) Publish(ctx context.Context, room domain.Room, frame []byte) error {
	payload, err := json.Marshal(notification{Room: room, Frame: frame})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		metrics.BusPublishes.WithLabelValues(Driver, "too_large").Inc()
		return fmt.Errorf("%w: %d bytes", apperrors.ErrFrameTooLarge, len(payload))
	}

	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, string(payload)); err != nil {
		metrics.BusPublishes.WithLabelValues(Driver, "error").Inc()
		return fmt.Errorf("%w: %v", apperrors.ErrBusUnavailable, err)
	}

	metrics.BusPublishes.WithLabelValues(Driver, "ok").Inc()
	return nil
}

// Subscribe holds one pooled connection in LISTEN mode and delivers
// notifications until ctx is done or the connection fails.
func (b *RoomBus) Subscribe(ctx context.Context, deliver func(room domain.Room, frame []byte), ready func()) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire listener: %v", apperrors.ErrBusUnavailable, err)
	}
	defer conn.Release()

	listen := "LISTEN " + pgx.Identifier{b.channel}.Sanitize()
	if _, err := conn.Exec(ctx, listen); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBusUnavailable, err)
	}
	defer func() {
		if conn.Conn().IsClosed() {
			return
		}
		if _, err := conn.Exec(context.Background(), "UNLISTEN *"); err != nil {
			b.logger.Debug("unlisten failed", "error", err)
		}
	}()

	b.logger.Info("listening for room frames")
	if ready != nil {
		ready()
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", apperrors.ErrBusUnavailable, err)
		}

		var msg notification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			b.logger.Warn("ignoring malformed notification", "error", err)
			continue
		}
		if !msg.Room.IsValid() {
			b.logger.Warn("ignoring frame for invalid room", "room", msg.Room)
			continue
		}
		deliver(msg.Room, msg.Frame)
	}
}

// Healthy pings the database.
func (b *RoomBus) Healthy(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return errors.Join(apperrors.ErrBusUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (b *RoomBus) Close() error {
	b.pool.Close()
	return nil
}
