// Package natsbus carries room frames between broker instances over NATS
// core subjects. Each room maps to one subject, <prefix>.rooms.<room>, so
// per-room ordering follows NATS per-publisher ordering.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
	"github.com/lorrc/marketplace-realtime/internal/core/ports"
	"github.com/lorrc/marketplace-realtime/internal/metrics"
)

// Driver is the name used in metrics and configuration.
const Driver = "nats"

// Config holds NATS connection settings.
type Config struct {
	URL           string
	SubjectPrefix string
	ClientName    string
	MaxReconnects int
	ReconnectWait time.Duration

	// Consecutive publish failures before the breaker opens, and how long it
	// stays open.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Bus is a ports.RoomBus backed by NATS.
type Bus struct {
	nc      *nats.Conn
	prefix  string
	breaker *gobreaker.CircuitBreaker[struct{}]
	closed  chan struct{}
	logger  *slog.Logger
}

var _ ports.RoomBus = (*Bus)(nil)

// New connects to NATS. The connection retries in the background when the
// server is not reachable yet.
func New(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "marketplace"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 10 * time.Second
	}

	b := &Bus{
		prefix: cfg.SubjectPrefix,
		closed: make(chan struct{}),
		logger: logger.With("component", "nats_bus"),
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			b.logger.Info("reconnected to NATS", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(b.closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b.nc = nc

	b.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "nats-publish",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return b, nil
}

// Subject returns the subject frames for room are published on.
func (b *Bus) Subject(room domain.Room) string {
	return b.prefix + ".rooms." + string(room)
}

// Publish sends a frame to every instance subscribed to the room's subject.
func (b *Bus) Publish(ctx context.Context, room domain.Room, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.nc.Publish(b.Subject(room), frame)
	})
	if err != nil {
		metrics.BusPublishes.WithLabelValues(Driver, "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", apperrors.ErrBusUnavailable, err)
		}
		return fmt.Errorf("publish to %s: %w", b.Subject(room), err)
	}

	metrics.BusPublishes.WithLabelValues(Driver, "ok").Inc()
	return nil
}

// Subscribe delivers frames for every room until ctx is done or the
// connection is closed. Messages of one subscription are delivered by a
// single goroutine, so order is preserved.
func (b *Bus) Subscribe(ctx context.Context, deliver func(room domain.Room, frame []byte), ready func()) error {
	roomPrefix := b.prefix + ".rooms."

	sub, err := b.nc.Subscribe(roomPrefix+"*", func(msg *nats.Msg) {
		room, err := domain.ParseRoom(strings.TrimPrefix(msg.Subject, roomPrefix))
		if err != nil {
			b.logger.Warn("ignoring frame for invalid room", "subject", msg.Subject)
			return
		}
		deliver(room, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s*: %w", roomPrefix, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.logger.Debug("unsubscribe failed", "error", err)
		}
	}()

	// The flush round trip confirms the server has registered the interest.
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("%w: flush subscription: %v", apperrors.ErrBusUnavailable, err)
	}
	b.logger.Info("subscribed to room frames", "subject", roomPrefix+"*")
	if ready != nil {
		ready()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return apperrors.ErrBusUnavailable
	}
}

// Healthy reports whether the connection is established.
func (b *Bus) Healthy(ctx context.Context) error {
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("%w: connection %s", apperrors.ErrBusUnavailable, status)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) > 0 {
		if err := b.nc.FlushTimeout(time.Until(deadline)); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrBusUnavailable, err)
		}
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
