package postgres

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
)

func newTestBus(t *testing.T, channel string) *RoomBus {
	t.Helper()
	bus, err := NewRoomBus(requirePool(t), channel, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return bus
}

type delivery struct {
	room  domain.Room
	frame string
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
}

func (r *recorder) deliver(room domain.Room, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{room: room, frame: string(frame)})
}

func (r *recorder) snapshot() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

// listen runs Subscribe until the test ends and waits for LISTEN to be
// registered.
func listen(t *testing.T, bus *RoomBus, rec *recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() { done <- bus.Subscribe(ctx, rec.deliver, func() { close(ready) }) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("listen returned before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("LISTEN not registered")
	}
}

func TestRoomBus_RoundTrip(t *testing.T) {
	publisher := newTestBus(t, "rooms_round_trip")
	listener := newTestBus(t, "rooms_round_trip")

	var rec recorder
	listen(t, listener, &rec)

	ctx := context.Background()
	require.NoError(t, publisher.Publish(ctx, domain.ProductRoom(42), []byte(`{"event":"review-added","data":{"productId":42}}`)))
	require.NoError(t, publisher.Publish(ctx, domain.CatalogRoom, []byte(`{"event":"product-deleted"}`)))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 5*time.Second, 20*time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, domain.ProductRoom(42), got[0].room)
	assert.JSONEq(t, `{"event":"review-added","data":{"productId":42}}`, got[0].frame)
	assert.Equal(t, domain.CatalogRoom, got[1].room)
}

func TestRoomBus_ChannelsAreIsolated(t *testing.T) {
	other := newTestBus(t, "rooms_other")
	listener := newTestBus(t, "rooms_isolated")

	var rec recorder
	listen(t, listener, &rec)

	require.NoError(t, other.Publish(context.Background(), domain.CatalogRoom, []byte(`{}`)))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestRoomBus_RejectsOversizedFrame(t *testing.T) {
	bus := newTestBus(t, "rooms_oversize")

	frame := []byte(`{"event":"product-added","data":"` + strings.Repeat("x", maxNotifyPayload) + `"}`)
	err := bus.Publish(context.Background(), domain.CatalogRoom, frame)

	assert.ErrorIs(t, err, apperrors.ErrFrameTooLarge)
}

func TestRoomBus_Healthy(t *testing.T) {
	bus := newTestBus(t, "rooms_health")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, bus.Healthy(ctx))
}

func TestNewRoomBus_ValidatesChannel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, channel := range []string{"", "Rooms", "rooms-feed", "1rooms", "rooms;drop"} {
		_, err := NewRoomBus(nil, channel, logger)
		assert.Error(t, err, "channel %q", channel)
	}

	_, err := NewRoomBus(nil, "marketplace_rooms", logger)
	assert.NoError(t, err)
}
