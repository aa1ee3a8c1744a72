package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
	"github.com/lorrc/marketplace-realtime/internal/core/mocks"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startHub runs a hub until the test ends.
func startHub(t *testing.T, opts ...HubOption) *Hub {
	t.Helper()
	hub := NewHub(discardLogger(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	require.Eventually(t, func() bool { return hub.Healthy() == nil }, time.Second, 5*time.Millisecond)
	return hub
}

// connectClient registers a connection-less client, enough to exercise the
// hub loop.
func connectClient(t *testing.T, hub *Hub, sendBuffer int) *Client {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.SendBuffer = sendBuffer
	client := NewClient(hub, nil, mocks.NewMockEventRelay(), nil, cfg, discardLogger())
	require.NoError(t, hub.register(client))
	return client
}

func joinAndWait(t *testing.T, hub *Hub, client *Client, room domain.Room) {
	t.Helper()
	require.NoError(t, hub.Join(client.ID, room))
	require.Eventually(t, func() bool {
		for _, r := range hub.SocketRooms(client.ID) {
			if r == room {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func receiveFrame(t *testing.T, client *Client) domain.Frame {
	t.Helper()
	select {
	case raw, ok := <-client.send:
		require.True(t, ok, "send channel closed")
		frame, err := domain.DecodeFrame(raw)
		require.NoError(t, err)
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return domain.Frame{}
	}
}

func assertNoFrame(t *testing.T, client *Client) {
	t.Helper()
	select {
	case raw := <-client.send:
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_BroadcastReachesEveryMember(t *testing.T) {
	hub := startHub(t)
	room := domain.ProductRoom(42)

	sender := connectClient(t, hub, 8)
	member := connectClient(t, hub, 8)
	outsider := connectClient(t, hub, 8)

	joinAndWait(t, hub, sender, room)
	joinAndWait(t, hub, member, room)
	joinAndWait(t, hub, outsider, domain.CatalogRoom)

	require.NoError(t, hub.Broadcast(room, domain.EventReviewAdded, map[string]int{"productId": 42}))

	// The sender is a member too and receives its own broadcast.
	assert.Equal(t, domain.EventReviewAdded, receiveFrame(t, sender).Event)
	assert.Equal(t, domain.EventReviewAdded, receiveFrame(t, member).Event)
	assertNoFrame(t, outsider)
}

func TestHub_JoinIsIdempotent(t *testing.T) {
	hub := startHub(t)
	client := connectClient(t, hub, 8)

	joinAndWait(t, hub, client, domain.CatalogRoom)
	joinAndWait(t, hub, client, domain.CatalogRoom)

	assert.Equal(t, 1, hub.RoomSize(domain.CatalogRoom))

	require.NoError(t, hub.Broadcast(domain.CatalogRoom, domain.EventProductDeleted, nil))
	receiveFrame(t, client)
	assertNoFrame(t, client)
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	hub := startHub(t)
	room := domain.ProductRoom(7)
	client := connectClient(t, hub, 8)
	joinAndWait(t, hub, client, room)

	require.NoError(t, hub.Leave(client.ID, room))
	require.NoError(t, hub.Broadcast(room, domain.EventReviewAdded, nil))

	assertNoFrame(t, client)
	assert.Equal(t, 0, hub.RoomSize(room))
	assert.NotContains(t, hub.Rooms(), room)
}

func TestHub_LeaveUnknownRoomIsNoop(t *testing.T) {
	hub := startHub(t)
	client := connectClient(t, hub, 8)

	require.NoError(t, hub.Leave(client.ID, domain.ProductRoom(99)))
	require.NoError(t, hub.Leave("missing-socket", domain.CatalogRoom))
	assert.Equal(t, 0, hub.RoomCount())
}

func TestHub_LeaveAll(t *testing.T) {
	hub := startHub(t)
	client := connectClient(t, hub, 8)
	joinAndWait(t, hub, client, domain.ProductRoom(1))
	joinAndWait(t, hub, client, domain.CatalogRoom)

	require.NoError(t, hub.LeaveAll(client.ID))
	require.Eventually(t, func() bool { return hub.RoomCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHub_DisconnectLeavesEveryRoom(t *testing.T) {
	hub := startHub(t)
	client := connectClient(t, hub, 8)
	other := connectClient(t, hub, 8)

	joinAndWait(t, hub, client, domain.ProductRoom(1))
	joinAndWait(t, hub, client, domain.ProductRoom(2))
	joinAndWait(t, hub, client, domain.CatalogRoom)
	joinAndWait(t, hub, other, domain.CatalogRoom)

	hub.unregister(client)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, hub.RoomSize(domain.ProductRoom(1)))
	assert.Equal(t, 0, hub.RoomSize(domain.ProductRoom(2)))
	assert.Equal(t, 1, hub.RoomSize(domain.CatalogRoom))
	assert.Empty(t, hub.SocketRooms(client.ID))

	_, ok := <-client.send
	assert.False(t, ok, "send channel should be closed")
}

func TestHub_PreservesOrderWithinRoom(t *testing.T) {
	hub := startHub(t)
	client := connectClient(t, hub, 64)
	joinAndWait(t, hub, client, domain.CatalogRoom)

	for i := 1; i <= 20; i++ {
		require.NoError(t, hub.Broadcast(domain.CatalogRoom, domain.EventProductDeleted, domain.ProductDeleted{ProductID: int64(i)}))
	}

	for i := 1; i <= 20; i++ {
		frame := receiveFrame(t, client)
		assert.JSONEq(t, `{"productId":`+strconv.Itoa(i)+`,"timestamp":""}`, string(frame.Data))
	}
}

func TestHub_EvictsSlowClient(t *testing.T) {
	hub := startHub(t)
	slow := connectClient(t, hub, 1)
	fast := connectClient(t, hub, 8)
	joinAndWait(t, hub, slow, domain.CatalogRoom)
	joinAndWait(t, hub, fast, domain.CatalogRoom)

	require.NoError(t, hub.Broadcast(domain.CatalogRoom, domain.EventProductDeleted, nil))
	require.NoError(t, hub.Broadcast(domain.CatalogRoom, domain.EventProductDeleted, nil))

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.RoomSize(domain.CatalogRoom))

	receiveFrame(t, fast)
	receiveFrame(t, fast)
}

func TestHub_RejectsInvalidRoom(t *testing.T) {
	hub := startHub(t)

	assert.ErrorIs(t, hub.Join("sock", "lobby"), apperrors.ErrInvalidRoom)
	assert.ErrorIs(t, hub.Leave("sock", "product-0"), apperrors.ErrInvalidRoom)
	assert.ErrorIs(t, hub.Broadcast("", domain.EventProductAdded, nil), apperrors.ErrInvalidRoom)
}

func TestHub_StoppedHubRefusesWork(t *testing.T) {
	hub := NewHub(discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- hub.Run(ctx) }()
	require.Eventually(t, func() bool { return hub.Healthy() == nil }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-stopped, context.Canceled)

	assert.ErrorIs(t, hub.Healthy(), apperrors.ErrHubStopped)
	assert.ErrorIs(t, hub.Join("sock", domain.CatalogRoom), apperrors.ErrHubStopped)
	assert.ErrorIs(t, hub.Broadcast(domain.CatalogRoom, domain.EventProductDeleted, nil), apperrors.ErrHubStopped)
	assert.ErrorIs(t, hub.Run(context.Background()), apperrors.ErrHubStopped)
}

// subscribeBus runs the hub's bus subscription against a mock that reports
// ready and then blocks until the test ends.
func subscribeBus(t *testing.T, hub *Hub, bus *mocks.MockRoomBus) {
	t.Helper()
	bus.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			args.Get(2).(func())()
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.SubscribeBus(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, hub.busLive.Load, time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastThroughBus(t *testing.T) {
	t.Run("published frames are not delivered locally", func(t *testing.T) {
		bus := mocks.NewMockRoomBus()
		bus.On("Publish", mock.Anything, domain.CatalogRoom, mock.Anything).Return(nil)
		hub := startHub(t, WithBus(bus, "mock"))
		subscribeBus(t, hub, bus)
		client := connectClient(t, hub, 8)
		joinAndWait(t, hub, client, domain.CatalogRoom)

		require.NoError(t, hub.Broadcast(domain.CatalogRoom, domain.EventProductDeleted, nil))

		assertNoFrame(t, client)
		bus.AssertCalled(t, "Publish", mock.Anything, domain.CatalogRoom, mock.Anything)

		// The frame reaches members once the bus hands it back.
		var frame []byte
		for _, call := range bus.Calls {
			if call.Method == "Publish" {
				frame = call.Arguments.Get(2).([]byte)
			}
		}
		require.NotNil(t, frame)
		hub.DeliverFrame(domain.CatalogRoom, frame)
		assert.Equal(t, domain.EventProductDeleted, receiveFrame(t, client).Event)
	})

	t.Run("publish failure falls back to local delivery", func(t *testing.T) {
		bus := mocks.NewMockRoomBus()
		bus.On("Publish", mock.Anything, domain.CatalogRoom, mock.Anything).
			Return(errors.New("connection refused"))
		hub := startHub(t, WithBus(bus, "mock"))
		subscribeBus(t, hub, bus)
		client := connectClient(t, hub, 8)
		joinAndWait(t, hub, client, domain.CatalogRoom)

		require.NoError(t, hub.Broadcast(domain.CatalogRoom, domain.EventProductDeleted, nil))

		assert.Equal(t, domain.EventProductDeleted, receiveFrame(t, client).Event)
	})

	t.Run("frames before the subscription is live are delivered locally", func(t *testing.T) {
		bus := mocks.NewMockRoomBus()
		hub := startHub(t, WithBus(bus, "mock"))
		client := connectClient(t, hub, 8)
		joinAndWait(t, hub, client, domain.CatalogRoom)

		require.NoError(t, hub.Broadcast(domain.CatalogRoom, domain.EventProductDeleted, nil))

		assert.Equal(t, domain.EventProductDeleted, receiveFrame(t, client).Event)
		bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("publishing stops when the subscription ends", func(t *testing.T) {
		bus := mocks.NewMockRoomBus()
		bus.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { args.Get(2).(func())() }).
			Return(apperrors.ErrBusUnavailable).Once()
		hub := startHub(t, WithBus(bus, "mock"))
		client := connectClient(t, hub, 8)
		joinAndWait(t, hub, client, domain.CatalogRoom)

		assert.ErrorIs(t, hub.SubscribeBus(context.Background()), apperrors.ErrBusUnavailable)
		require.NoError(t, hub.Broadcast(domain.CatalogRoom, domain.EventProductDeleted, nil))

		assert.Equal(t, domain.EventProductDeleted, receiveFrame(t, client).Event)
		bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestHub_SubscribeBusWithoutBus(t *testing.T) {
	hub := NewHub(discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, hub.SubscribeBus(ctx), context.DeadlineExceeded)
}
