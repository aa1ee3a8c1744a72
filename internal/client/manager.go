// Package client is the consumer side of the room broker: a long-lived
// connection manager with bounded reconnects and a typed facade for joining
// rooms, emitting mutations and listening for broadcasts.
package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
)

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateClosed is terminal and only reached through Disconnect.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DevelopmentEndpoint is used outside production.
const DevelopmentEndpoint = "ws://localhost:8080/ws"

// DefaultEndpoint returns the broker URL: the application's own origin in
// production and a fixed local endpoint otherwise.
func DefaultEndpoint(environment, origin string) string {
	if environment != "production" || origin == "" {
		return DevelopmentEndpoint
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return DevelopmentEndpoint
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config holds connection settings.
type Config struct {
	URL    string
	Header http.Header

	// Reconnect attempt n waits n*BaseDelay. After MaxReconnectAttempts
	// consecutive failures the manager stops retrying.
	BaseDelay            time.Duration
	MaxReconnectAttempts int

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadTimeout is how long the connection may stay silent before it is
	// treated as lost. Server pings reset it, so it must exceed the
	// server's ping period.
	ReadTimeout time.Duration
}

// DefaultConfig returns the reconnect policy used when none is configured.
func DefaultConfig() Config {
	return Config{
		URL:                  DevelopmentEndpoint,
		BaseDelay:            time.Second,
		MaxReconnectAttempts: 5,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         10 * time.Second,
		ReadTimeout:          75 * time.Second,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the default gorilla dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithLogger sets the logger for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager owns the single connection to the broker. It is meant to be
// created once per process and shared.
type Manager struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	stateCh   chan struct{} // closed and replaced on every state change
	conn      *websocket.Conn
	connSeq   uint64 // incremented for every established connection
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	observers []func(State)

	writeMu sync.Mutex

	listeners *listenerSet
}

// NewManager creates a manager in the Disconnected state. No connection is
// made until Connect is called.
func NewManager(cfg Config, opts ...Option) *Manager {
	defaults := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxReconnectAttempts < 0 {
		cfg.MaxReconnectAttempts = 0
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}

	m := &Manager{
		cfg:       cfg,
		dialer:    websocket.DefaultDialer,
		logger:    slog.Default(),
		state:     StateDisconnected,
		stateCh:   make(chan struct{}),
		done:      make(chan struct{}),
		listeners: newListenerSet(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "realtime_client")
	return m
}

// Connect starts the connection loop. Calling it again, or after
// Disconnect, does nothing. The loop runs until Disconnect is called or ctx
// is done.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.run(ctx)
}

// Disconnect closes the connection and stops reconnecting for good.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	started := m.started
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = conn.Close()
	}
	if started {
		<-m.done
	}
	m.setState(StateClosed)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether events can be emitted right now.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Done is closed when the connection loop exits, either after Disconnect
// or once the reconnect attempts are exhausted.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// OnStateChange registers fn to be called after every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// WaitForState blocks until the manager reaches want or ctx is done.
func (m *Manager) WaitForState(ctx context.Context, want State) error {
	for {
		m.mu.Lock()
		state, ch := m.state, m.stateCh
		m.mu.Unlock()

		if state == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = s
	close(m.stateCh)
	m.stateCh = make(chan struct{})
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	m.logger.Debug("connection state changed", "state", s.String())
	for _, fn := range observers {
		fn(s)
	}
}

// run dials, reads until the connection drops, then retries with linear
// backoff. Rooms are not rejoined after a reconnect.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.setState(StateDisconnected)

	attempt := 0
	for {
		m.setState(StateConnecting)
		conn, err := m.dial(ctx)
		if err == nil {
			attempt = 0
			m.attach(conn)
			m.setState(StateConnected)
			m.logger.Info("connected", "url", m.cfg.URL)

			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			m.readLoop(conn)
			stop()

			m.detach(conn)
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("connection lost")
		} else {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("dial failed", "url", m.cfg.URL, "attempt", attempt, "error", err)
		}
		m.setState(StateDisconnected)

		attempt++
		if attempt > m.cfg.MaxReconnectAttempts {
			m.logger.Warn("giving up reconnecting", "attempts", m.cfg.MaxReconnectAttempts)
			return
		}

		timer := time.NewTimer(time.Duration(attempt) * m.cfg.BaseDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := m.dialer.DialContext(dialCtx, m.cfg.URL, m.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (m *Manager) attach(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	m.connSeq++
}

// connection returns the sequence number of the current connection and
// whether it is usable.
func (m *Manager) connection() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connSeq, m.state == StateConnected && m.conn != nil
}

func (m *Manager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

// readLoop dispatches frames to listeners sequentially in receive order. A
// peer that stays silent past ReadTimeout ends the loop, which starts the
// reconnect cycle.
func (m *Manager) readLoop(conn *websocket.Conn) {
	conn.SetPingHandler(func(appData string) error {
		if err := conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout)); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(m.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout)); err != nil {
			m.logger.Debug("failed to set read deadline", "error", err)
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("read failed", "error", err)
			}
			return
		}

		frame, err := domain.DecodeFrame(raw)
		if err != nil {
			m.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		m.listeners.dispatch(frame.Event, frame.Data)
	}
}

// Emit sends one event. When not connected the event is dropped with a
// diagnostic and ErrNotConnected is returned; nothing is queued.
func (m *Manager) Emit(event domain.EventName, payload any) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		m.logger.Warn("not connected, dropping event", "event", event)
		return apperrors.ErrNotConnected
	}

	frame, err := domain.EncodeFrame(event, payload)
	if err != nil {
		m.logger.Error("failed to encode event", "event", event, "error", err)
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		m.logger.Warn("failed to send event", "event", event, "error", err)
		return err
	}
	return nil
}

// On registers fn for an event name and returns its handle.
func (m *Manager) On(event domain.EventName, fn func(data json.RawMessage)) Subscription {
	return m.listeners.add(event, fn)
}

// Off removes exactly the listener behind sub. Removing it twice is a no-op.
func (m *Manager) Off(sub Subscription) {
	m.listeners.remove(sub)
}

// ListenerCount returns the number of listeners registered for an event.
func (m *Manager) ListenerCount(event domain.EventName) int {
	return m.listeners.count(event)
}
