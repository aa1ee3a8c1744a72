package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	"github.com/lorrc/marketplace-realtime/internal/core/ports"
	"github.com/lorrc/marketplace-realtime/internal/infrastructure/logging"
	"github.com/lorrc/marketplace-realtime/internal/metrics"
)

// ClientConfig holds per-connection limits and timings.
type ClientConfig struct {
	// Time allowed to write a message to the peer.
	WriteWait time.Duration

	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration

	// Send pings to peer with this period. Must be less than PongWait.
	PingPeriod time.Duration

	// Maximum message size allowed from peer.
	MaxMessageSize int64

	// Capacity of the outbound frame buffer.
	SendBuffer int

	// Inbound events per second and burst; zero disables the limit.
	EventsPerSecond float64
	EventBurst      int
}

// DefaultClientConfig returns the limits used when none are configured.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		MaxMessageSize:  64 * 1024,
		SendBuffer:      256,
		EventsPerSecond: 20,
		EventBurst:      40,
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	// ID is the server-assigned socket identifier.
	ID string

	// UserID is set when the socket presented a valid token.
	UserID *uuid.UUID

	hub   *Hub
	conn  *websocket.Conn
	relay ports.EventRelay

	// Buffered channel of outbound frames. Only the hub loop writes to it.
	send chan []byte

	// rooms this client has joined, guarded by hub.mu
	rooms map[domain.Room]struct{}

	limiter *rate.Limiter
	config  ClientConfig

	// ctx outlives the upgrade request and is cancelled when the read pump exits
	ctx    context.Context
	cancel context.CancelFunc

	// closeOnce ensures the send channel is only closed once
	closeOnce sync.Once

	logger *slog.Logger
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, relay ports.EventRelay, userID *uuid.UUID, cfg ClientConfig, logger *slog.Logger) *Client {
	id := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	ctx = logging.WithSocketID(ctx, id)

	var limiter *rate.Limiter
	if cfg.EventsPerSecond > 0 {
		burst := cfg.EventBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst)
	}

	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultClientConfig().SendBuffer
	}

	clientLogger := logger.With("socket_id", id)
	if userID != nil {
		clientLogger = clientLogger.With("user_id", userID.String())
	}

	return &Client{
		ID:      id,
		UserID:  userID,
		hub:     hub,
		conn:    conn,
		relay:   relay,
		send:    make(chan []byte, cfg.SendBuffer),
		rooms:   make(map[domain.Room]struct{}),
		limiter: limiter,
		config:  cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  clientLogger,
	}
}

// Peer describes this socket to the relay.
func (c *Client) Peer() domain.Peer {
	return domain.Peer{SocketID: c.ID, UserID: c.UserID}
}

// Start registers the client with the hub and launches its pumps.
func (c *Client) Start() error {
	if err := c.hub.register(c); err != nil {
		c.cancel()
		return err
	}
	go c.WritePump()
	go c.ReadPump()
	return nil
}

// closeSend safely closes the send channel exactly once
func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// ReadPump pumps events from the websocket connection to the relay.
// This method runs in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.cancel()
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		c.handleIncomingMessage(message)
	}
}

// WritePump pumps frames from the hub to the websocket connection.
// This method runs in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}

			if !ok {
				// The hub closed the channel. Send close message.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to send close message", "error", err)
				}
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Error("failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// --- Incoming Message Handling ---

// handleIncomingMessage decodes one frame and hands it to the relay. The
// relay logs and counts the events it rejects.
func (c *Client) handleIncomingMessage(message []byte) {
	frame, err := domain.DecodeFrame(message)
	if err != nil {
		c.logger.Warn("failed to decode client frame", "error", err)
		return
	}
	metrics.WSMessagesReceived.WithLabelValues(string(frame.Event)).Inc()

	if c.limiter != nil && !c.limiter.Allow() {
		metrics.RelayEventsDropped.WithLabelValues(string(frame.Event), metrics.DropReasonRateLimited).Inc()
		c.logger.Warn("inbound event rate exceeded, dropping frame", "event", frame.Event)
		return
	}

	if frame.Event == domain.EventPing {
		c.sendPong()
		return
	}

	if err := c.relay.HandleInbound(c.ctx, c.Peer(), frame.Event, frame.Data); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("inbound event rejected", "event", frame.Event, "error", err)
	}
}

func (c *Client) sendPong() {
	pong, err := domain.EncodeFrame(domain.EventPong, nil)
	if err != nil {
		return
	}
	c.hub.sendTo(c, pong)
}
