package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wsadapter "github.com/lorrc/marketplace-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
	"github.com/lorrc/marketplace-realtime/internal/core/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testBroker is an in-process broker: a running hub and relay behind an
// httptest server that can drop every live socket on demand.
type testBroker struct {
	hub    *wsadapter.Hub
	server *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func startBroker(t *testing.T) *testBroker {
	t.Helper()
	logger := discardLogger()
	hub := wsadapter.NewHub(logger)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(stopped)
	}()
	require.Eventually(t, func() bool { return hub.Healthy() == nil }, time.Second, 5*time.Millisecond)

	relay := services.NewRelayService(hub, nil, logger)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b := &testBroker{hub: hub}

	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()

		client := wsadapter.NewClient(hub, conn, relay, nil, wsadapter.DefaultClientConfig(), logger)
		if err := client.Start(); err != nil {
			_ = conn.Close()
		}
	}))

	t.Cleanup(func() {
		b.server.Close()
		cancel()
		<-stopped
	})
	return b
}

func (b *testBroker) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

// dropConnections closes every socket from the server side.
func (b *testBroker) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, conn := range b.conns {
		_ = conn.Close()
	}
	b.conns = nil
}

func (b *testBroker) waitRoomSize(t *testing.T, room domain.Room, size int) {
	t.Helper()
	require.Eventually(t, func() bool { return b.hub.RoomSize(room) == size }, 2*time.Second, 10*time.Millisecond)
}

// countingDialer wraps the gorilla dialer and can fail on demand.
type countingDialer struct {
	dials atomic.Int32
	fail  atomic.Bool

	mu    sync.Mutex
	times []time.Time
}

var errDialRefused = errors.New("dial refused")

func (d *countingDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	d.dials.Add(1)
	d.mu.Lock()
	d.times = append(d.times, time.Now())
	d.mu.Unlock()

	if d.fail.Load() {
		return nil, nil, errDialRefused
	}
	return websocket.DefaultDialer.DialContext(ctx, urlStr, header)
}

func (d *countingDialer) dialTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.times...)
}

func newTestManager(t *testing.T, url string, dialer Dialer, baseDelay time.Duration, maxAttempts int) *Manager {
	t.Helper()
	m := NewManager(Config{
		URL:                  url,
		BaseDelay:            baseDelay,
		MaxReconnectAttempts: maxAttempts,
	}, WithDialer(dialer), WithLogger(discardLogger()))
	t.Cleanup(m.Disconnect)
	return m
}

func waitState(t *testing.T, m *Manager, want State, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, m.WaitForState(ctx, want), "waiting for %s, state is %s", want, m.State())
}

// recordStates streams every state transition into a channel.
func recordStates(m *Manager) <-chan State {
	ch := make(chan State, 128)
	m.OnStateChange(func(s State) {
		select {
		case ch <- s:
		default:
		}
	})
	return ch
}

func awaitTransition(t *testing.T, states <-chan State, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("no transition to %s within %v", want, timeout)
		}
	}
}

func TestDefaultEndpoint(t *testing.T) {
	tests := []struct {
		env    string
		origin string
		want   string
	}{
		{"development", "https://shop.example.com", DevelopmentEndpoint},
		{"production", "https://shop.example.com", "wss://shop.example.com/ws"},
		{"production", "http://10.0.0.5:3000/catalog?x=1", "ws://10.0.0.5:3000/ws"},
		{"production", "", DevelopmentEndpoint},
		{"production", "::not a url", DevelopmentEndpoint},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultEndpoint(tt.env, tt.origin), "%s %s", tt.env, tt.origin)
	}
}

func TestManager_ConnectIsLazyAndIdempotent(t *testing.T) {
	broker := startBroker(t)
	dialer := &countingDialer{}
	m := newTestManager(t, broker.url(), dialer, 20*time.Millisecond, 3)

	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.IsConnected())
	assert.Zero(t, dialer.dials.Load())

	m.Connect(context.Background())
	m.Connect(context.Background())
	waitState(t, m, StateConnected, 2*time.Second)

	assert.True(t, m.IsConnected())
	assert.Equal(t, int32(1), dialer.dials.Load())
	require.Eventually(t, func() bool { return broker.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestManager_LinearBackoffThenGivesUp(t *testing.T) {
	dialer := &countingDialer{}
	dialer.fail.Store(true)
	base := 20 * time.Millisecond
	m := newTestManager(t, "ws://127.0.0.1:1/ws", dialer, base, 3)

	m.Connect(context.Background())

	// One initial dial plus three reconnect attempts.
	require.Eventually(t, func() bool { return dialer.dials.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(6 * base)
	assert.Equal(t, int32(4), dialer.dials.Load(), "no dials after the attempt limit")
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("connection loop still running after the attempt limit")
	}
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.IsConnected())

	times := dialer.dialTimes()
	for n := 1; n < len(times); n++ {
		gap := times[n].Sub(times[n-1])
		assert.GreaterOrEqual(t, gap, time.Duration(n)*base, "attempt %d waited %v", n, gap)
	}
}

func TestManager_RecoversAfterDialFailures(t *testing.T) {
	broker := startBroker(t)
	dialer := &countingDialer{}
	dialer.fail.Store(true)
	m := newTestManager(t, broker.url(), dialer, 20*time.Millisecond, 5)
	states := recordStates(m)

	m.Connect(context.Background())
	require.Eventually(t, func() bool { return dialer.dials.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	dialer.fail.Store(false)

	awaitTransition(t, states, StateConnected, 2*time.Second)
	assert.True(t, m.IsConnected())
}

func TestManager_ReconnectsWithoutRejoiningRooms(t *testing.T) {
	broker := startBroker(t)
	base := 20 * time.Millisecond
	maxAttempts := 5
	m := newTestManager(t, broker.url(), &countingDialer{}, base, maxAttempts)
	facade := NewFacade(m)
	states := recordStates(m)

	var received atomic.Int32
	facade.OnReviewAdded(func(domain.ReviewAdded) { received.Add(1) })

	m.Connect(context.Background())
	awaitTransition(t, states, StateConnected, 2*time.Second)
	facade.JoinProductRoom(7)
	broker.waitRoomSize(t, domain.ProductRoom(7), 1)

	broker.dropConnections()
	awaitTransition(t, states, StateDisconnected, 2*time.Second)

	bound := time.Duration(maxAttempts*(maxAttempts+1)/2) * base
	awaitTransition(t, states, StateConnected, bound+time.Second)

	// The fresh socket is not in the room until it joins again.
	require.Eventually(t, func() bool { return broker.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, broker.hub.RoomSize(domain.ProductRoom(7)))
	require.NoError(t, broker.hub.Broadcast(domain.ProductRoom(7), domain.EventReviewAdded, domain.ReviewAdded{ProductID: 7}))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, received.Load())

	facade.JoinProductRoom(7)
	broker.waitRoomSize(t, domain.ProductRoom(7), 1)
	require.NoError(t, broker.hub.Broadcast(domain.ProductRoom(7), domain.EventReviewAdded, domain.ReviewAdded{ProductID: 7}))
	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestManager_DisconnectIsTerminal(t *testing.T) {
	broker := startBroker(t)
	dialer := &countingDialer{}
	m := newTestManager(t, broker.url(), dialer, 10*time.Millisecond, 5)

	m.Connect(context.Background())
	waitState(t, m, StateConnected, 2*time.Second)

	m.Disconnect()
	assert.Equal(t, StateClosed, m.State())
	require.Eventually(t, func() bool { return broker.hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)

	m.Connect(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, int32(1), dialer.dials.Load())

	// Safe to call again.
	m.Disconnect()
}

func TestManager_EmitWhileDisconnected(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/ws", &countingDialer{}, time.Second, 0)

	err := m.Emit(domain.EventJoinProducts, nil)

	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestManager_ContextCancellationStopsLoop(t *testing.T) {
	broker := startBroker(t)
	m := newTestManager(t, broker.url(), &countingDialer{}, 10*time.Millisecond, 5)

	ctx, cancel := context.WithCancel(context.Background())
	m.Connect(ctx)
	waitState(t, m, StateConnected, 2*time.Second)

	cancel()
	require.Eventually(t, func() bool { return broker.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, m.IsConnected())
}

// startSilentServer accepts websocket upgrades and then never reads or
// writes. With pingEvery set it sends pings on that period and counts the
// pongs it reads back.
func startSilentServer(t *testing.T, pingEvery time.Duration) (url string, pongs *atomic.Int32) {
	t.Helper()
	pongs = &atomic.Int32{}
	release := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			if pingEvery <= 0 {
				<-release
				return
			}

			conn.SetPongHandler(func(string) error {
				pongs.Add(1)
				return nil
			})
			go func() {
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}()

			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
						return
					}
				case <-release:
					return
				}
			}
		}()
	}))

	t.Cleanup(func() {
		close(release)
		server.Close()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws", pongs
}

func TestManager_SilentServerCountsAsLost(t *testing.T) {
	url, _ := startSilentServer(t, 0)
	dialer := &countingDialer{}
	m := NewManager(Config{
		URL:                  url,
		BaseDelay:            20 * time.Millisecond,
		MaxReconnectAttempts: 0,
		ReadTimeout:          100 * time.Millisecond,
	}, WithDialer(dialer), WithLogger(discardLogger()))
	t.Cleanup(m.Disconnect)
	states := recordStates(m)

	m.Connect(context.Background())
	awaitTransition(t, states, StateConnected, 2*time.Second)
	awaitTransition(t, states, StateDisconnected, 2*time.Second)

	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("manager still waiting on a silent connection")
	}
	assert.False(t, m.IsConnected())
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestManager_ServerPingsKeepConnectionAlive(t *testing.T) {
	url, pongs := startSilentServer(t, 30*time.Millisecond)
	dialer := &countingDialer{}
	m := NewManager(Config{
		URL:                  url,
		BaseDelay:            20 * time.Millisecond,
		MaxReconnectAttempts: 0,
		ReadTimeout:          150 * time.Millisecond,
	}, WithDialer(dialer), WithLogger(discardLogger()))
	t.Cleanup(m.Disconnect)

	m.Connect(context.Background())
	waitState(t, m, StateConnected, 2*time.Second)

	time.Sleep(500 * time.Millisecond)
	assert.True(t, m.IsConnected())
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Greater(t, pongs.Load(), int32(3), "pings are answered")
}
