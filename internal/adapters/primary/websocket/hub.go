package websocket

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
	"github.com/lorrc/marketplace-realtime/internal/core/ports"
	"github.com/lorrc/marketplace-realtime/internal/metrics"
)

const (
	defaultQueueSize      = 1024
	defaultPublishTimeout = 2 * time.Second
)

type opKind int

const (
	opJoin opKind = iota
	opLeave
	opLeaveAll
	opDeliver
	opDirect
)

// hubOp is one queued mutation or delivery. All ops travel through a single
// FIFO channel so a join queued before a broadcast is applied before it.
type hubOp struct {
	kind     opKind
	socketID string
	room     domain.Room
	event    domain.EventName
	frame    []byte
	client   *Client
}

// Hub maintains the set of active Clients and the rooms they have joined,
// and fans room broadcasts out to them. It implements ports.RoomRegistry.
type Hub struct {
	// clients maps socket IDs to their connection
	clients map[string]*Client

	// rooms maps room names to member clients
	rooms map[domain.Room]map[*Client]struct{}

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// ops carries joins, leaves and deliveries in arrival order
	ops chan hubOp

	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	// bus, when set, carries broadcasts to every broker instance
	bus            ports.RoomBus
	busDriver      string
	publishTimeout time.Duration

	// busLive is set while the hub's own bus subscription is active
	busLive atomic.Bool

	// mu protects the clients and rooms maps for readers outside the loop
	mu sync.RWMutex

	logger *slog.Logger
}

// Ensure Hub implements the RoomRegistry interface.
var _ ports.RoomRegistry = (*Hub)(nil)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBus routes broadcasts through a cross-instance room bus. The driver
// name labels metrics and logs.
func WithBus(bus ports.RoomBus, driver string) HubOption {
	return func(h *Hub) {
		h.bus = bus
		h.busDriver = driver
	}
}

// WithQueueSize sets the capacity of the operation queue.
func WithQueueSize(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.ops = make(chan hubOp, size)
		}
	}
}

// WithPublishTimeout bounds each bus publish.
func WithPublishTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.publishTimeout = d
		}
	}
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients:        make(map[string]*Client),
		rooms:          make(map[domain.Room]map[*Client]struct{}),
		Register:       make(chan *Client),
		Unregister:     make(chan *Client),
		ops:            make(chan hubOp, defaultQueueSize),
		done:           make(chan struct{}),
		publishTimeout: defaultPublishTimeout,
		logger:         logger.With("component", "websocket_hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's event loop and blocks until ctx is done. On return
// every client's send channel is closed and the hub refuses further work.
func (h *Hub) Run(ctx context.Context) error {
	select {
	case <-h.done:
		return apperrors.ErrHubStopped
	default:
	}

	h.running.Store(true)
	defer h.stop()

	for {
		// Lifecycle events first so membership is current before deliveries.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case client := <-h.Register:
			h.registerClient(client)
			continue
		case client := <-h.Unregister:
			h.unregisterClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		case op := <-h.ops:
			h.apply(op)
		}
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		h.running.Store(false)
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()

		count := len(h.clients)
		for id, client := range h.clients {
			client.closeSend()
			delete(h.clients, id)
		}
		clear(h.rooms)
		metrics.WSConnections.Set(0)
		metrics.WSRooms.Set(0)

		h.logger.Info("hub stopped", "closed_clients", count)
	})
}

// Healthy reports whether the event loop is running.
func (h *Hub) Healthy() error {
	if !h.running.Load() {
		return apperrors.ErrHubStopped
	}
	return nil
}

// --- ports.RoomRegistry ---

// Join adds a socket to a room. Joining a room twice is a no-op.
func (h *Hub) Join(socketID string, room domain.Room) error {
	if !room.IsValid() {
		return apperrors.ErrInvalidRoom
	}
	return h.enqueue(hubOp{kind: opJoin, socketID: socketID, room: room})
}

// Leave removes a socket from a room. Leaving a room the socket is not in is
// a no-op.
func (h *Hub) Leave(socketID string, room domain.Room) error {
	if !room.IsValid() {
		return apperrors.ErrInvalidRoom
	}
	return h.enqueue(hubOp{kind: opLeave, socketID: socketID, room: room})
}

// LeaveAll removes a socket from every room it has joined.
func (h *Hub) LeaveAll(socketID string) error {
	return h.enqueue(hubOp{kind: opLeaveAll, socketID: socketID})
}

// Broadcast encodes the event once and delivers it to every member of the
// room, the sender included. With a live bus subscription the frame is
// published and delivered when it comes back from the bus. Until the
// subscription is live, or if publishing fails, the frame is delivered
// locally instead.
func (h *Hub) Broadcast(room domain.Room, event domain.EventName, payload any) error {
	if !room.IsValid() {
		return apperrors.ErrInvalidRoom
	}

	frame, err := domain.EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	if h.bus != nil && !h.busLive.Load() {
		h.logger.Debug("bus subscription not live, delivering locally",
			"driver", h.busDriver,
			"room", room,
			"event", event,
		)
	} else if h.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.publishTimeout)
		err := h.bus.Publish(ctx, room, frame)
		cancel()
		if err == nil {
			return nil
		}
		h.logger.Warn("bus publish failed, delivering locally",
			"driver", h.busDriver,
			"room", room,
			"event", event,
			"error", err,
		)
	}

	return h.deliver(room, event, frame)
}

// DeliverFrame hands a frame received from the room bus to local members of
// the room.
func (h *Hub) DeliverFrame(room domain.Room, frame []byte) {
	event := domain.EventName("unknown")
	if decoded, err := domain.DecodeFrame(frame); err == nil {
		event = decoded.Event
	}
	metrics.BusDeliveries.WithLabelValues(h.busDriver).Inc()

	if err := h.deliver(room, event, frame); err != nil {
		h.logger.Debug("dropping bus frame", "room", room, "error", err)
	}
}

// SubscribeBus feeds frames from the room bus into the hub until ctx is done
// or the bus fails. Without a bus it only waits for ctx.
func (h *Hub) SubscribeBus(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	defer h.busLive.Store(false)
	return h.bus.Subscribe(ctx, h.DeliverFrame, func() { h.busLive.Store(true) })
}

// Bus returns the configured room bus, or nil.
func (h *Hub) Bus() ports.RoomBus {
	return h.bus
}

// deliver queues a local fan-out without blocking the caller. A full queue
// drops the frame.
func (h *Hub) deliver(room domain.Room, event domain.EventName, frame []byte) error {
	op := hubOp{kind: opDeliver, room: room, event: event, frame: frame}
	select {
	case <-h.done:
		return apperrors.ErrHubStopped
	default:
	}

	select {
	case h.ops <- op:
		return nil
	case <-h.done:
		return apperrors.ErrHubStopped
	default:
		h.logger.Warn("hub queue full, dropping broadcast",
			"room", room,
			"event", event,
		)
		metrics.RelayEventsDropped.WithLabelValues(string(event), metrics.DropReasonBroadcast).Inc()
		return nil
	}
}

// sendTo queues a frame for a single client through the loop, so that the
// loop stays the only writer to send channels.
func (h *Hub) sendTo(client *Client, frame []byte) {
	select {
	case h.ops <- hubOp{kind: opDirect, client: client, frame: frame}:
	case <-h.done:
	default:
		// Queue full, skip the reply
	}
}

func (h *Hub) enqueue(op hubOp) error {
	select {
	case <-h.done:
		return apperrors.ErrHubStopped
	default:
	}

	select {
	case h.ops <- op:
		return nil
	case <-h.done:
		return apperrors.ErrHubStopped
	}
}

// register hands a client to the loop. It fails once the hub has stopped.
func (h *Hub) register(client *Client) error {
	select {
	case h.Register <- client:
		return nil
	case <-h.done:
		return apperrors.ErrHubStopped
	}
}

// unregister hands a client to the loop for removal. After the hub stops the
// client was already closed, so there is nothing left to do.
func (h *Hub) unregister(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

// --- Event loop handlers ---

func (h *Hub) apply(op hubOp) {
	switch op.kind {
	case opJoin:
		h.joinRoom(op.socketID, op.room)
	case opLeave:
		h.leaveRoom(op.socketID, op.room)
	case opLeaveAll:
		h.leaveAllRooms(op.socketID)
	case opDeliver:
		h.broadcastFrame(op.room, op.event, op.frame)
	case opDirect:
		h.mu.RLock()
		_, ok := h.clients[op.client.ID]
		h.mu.RUnlock()
		if ok {
			h.queueFrame(op.client, op.frame)
		}
	}
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.ID] = client
	metrics.WSConnections.Set(float64(len(h.clients)))

	h.logger.Info("client registered",
		"socket_id", client.ID,
		"total_connections", len(h.clients),
	)
}

// unregisterClient removes a client from the hub and all rooms
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.ID] != client {
		return
	}
	h.removeClientLocked(client)

	h.logger.Info("client unregistered",
		"socket_id", client.ID,
		"total_connections", len(h.clients),
	)
}

// removeClientLocked drops every membership of the client and closes its
// send channel. The caller must hold mu.
func (h *Hub) removeClientLocked(client *Client) {
	for room := range client.rooms {
		h.removeMemberLocked(client, room)
	}
	delete(h.clients, client.ID)
	client.closeSend()

	metrics.WSConnections.Set(float64(len(h.clients)))
	metrics.WSRooms.Set(float64(len(h.rooms)))
}

func (h *Hub) removeMemberLocked(client *Client, room domain.Room) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

func (h *Hub) joinRoom(socketID string, room domain.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[socketID]
	if !ok {
		h.logger.Debug("join for unknown socket", "socket_id", socketID, "room", room)
		return
	}

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
	client.rooms[room] = struct{}{}
	metrics.WSRooms.Set(float64(len(h.rooms)))

	h.logger.Debug("client joined room",
		"socket_id", socketID,
		"room", room,
		"room_size", len(h.rooms[room]),
	)
}

func (h *Hub) leaveRoom(socketID string, room domain.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[socketID]
	if !ok {
		return
	}
	h.removeMemberLocked(client, room)
	metrics.WSRooms.Set(float64(len(h.rooms)))

	h.logger.Debug("client left room",
		"socket_id", socketID,
		"room", room,
	)
}

func (h *Hub) leaveAllRooms(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, ok := h.clients[socketID]
	if !ok {
		return
	}
	for room := range client.rooms {
		h.removeMemberLocked(client, room)
	}
	metrics.WSRooms.Set(float64(len(h.rooms)))
}

// broadcastFrame sends a frame to all members of the room. Members whose
// send buffer is full are disconnected.
func (h *Hub) broadcastFrame(room domain.Room, event domain.EventName, frame []byte) {
	h.mu.RLock()
	members, ok := h.rooms[room]
	if !ok {
		h.mu.RUnlock()
		return
	}

	// Copy the member list so slow clients can be evicted while iterating
	clients := make([]*Client, 0, len(members))
	for client := range members {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	h.logger.Debug("broadcasting event",
		"event", event,
		"room", room,
		"client_count", len(clients),
	)

	delivered := 0
	for _, client := range clients {
		if h.queueFrame(client, frame) {
			delivered++
		}
	}
	metrics.WSFramesDelivered.WithLabelValues(string(event)).Add(float64(delivered))
}

// queueFrame enqueues a frame on the client's send buffer and evicts the
// client when the buffer is full. Must run on the loop goroutine.
func (h *Hub) queueFrame(client *Client, frame []byte) bool {
	select {
	case client.send <- frame:
		return true
	default:
		h.logger.Warn("client send buffer full, disconnecting",
			"socket_id", client.ID,
		)
		metrics.WSSlowClientsEvicted.Inc()

		h.mu.Lock()
		if h.clients[client.ID] == client {
			h.removeClientLocked(client)
		}
		h.mu.Unlock()
		return false
	}
}

// --- Introspection ---

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of rooms with at least one member
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// RoomSize returns the number of local members of a room
func (h *Hub) RoomSize(room domain.Room) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Rooms returns the names of all non-empty rooms in sorted order
func (h *Hub) Rooms() []domain.Room {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make([]domain.Room, 0, len(h.rooms))
	for room := range h.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// SocketRooms returns the rooms a socket has joined in sorted order
func (h *Hub) SocketRooms(socketID string) []domain.Room {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[socketID]
	if !ok {
		return nil
	}
	rooms := make([]domain.Room, 0, len(client.rooms))
	for room := range client.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}
