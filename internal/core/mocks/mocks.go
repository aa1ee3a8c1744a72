package mocks

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	"github.com/lorrc/marketplace-realtime/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

// MockRoomRegistry is a mock implementation of ports.RoomRegistry
type MockRoomRegistry struct {
	mock.Mock
}

var _ ports.RoomRegistry = (*MockRoomRegistry)(nil)

func NewMockRoomRegistry() *MockRoomRegistry {
	return &MockRoomRegistry{}
}

func (m *MockRoomRegistry) Join(socketID string, room domain.Room) error {
	args := m.Called(socketID, room)
	return args.Error(0)
}

func (m *MockRoomRegistry) Leave(socketID string, room domain.Room) error {
	args := m.Called(socketID, room)
	return args.Error(0)
}

func (m *MockRoomRegistry) LeaveAll(socketID string) error {
	args := m.Called(socketID)
	return args.Error(0)
}

func (m *MockRoomRegistry) Broadcast(room domain.Room, event domain.EventName, payload any) error {
	args := m.Called(room, event, payload)
	return args.Error(0)
}

// MockJoinAuthorizer is a mock implementation of ports.JoinAuthorizer
type MockJoinAuthorizer struct {
	mock.Mock
}

var _ ports.JoinAuthorizer = (*MockJoinAuthorizer)(nil)

func NewMockJoinAuthorizer() *MockJoinAuthorizer {
	return &MockJoinAuthorizer{}
}

func (m *MockJoinAuthorizer) AuthorizeJoin(ctx context.Context, peer domain.Peer, room domain.Room) error {
	args := m.Called(ctx, peer, room)
	return args.Error(0)
}

// MockEventRelay is a mock implementation of ports.EventRelay
type MockEventRelay struct {
	mock.Mock
}

var _ ports.EventRelay = (*MockEventRelay)(nil)

func NewMockEventRelay() *MockEventRelay {
	return &MockEventRelay{}
}

func (m *MockEventRelay) HandleInbound(ctx context.Context, peer domain.Peer, event domain.EventName, data json.RawMessage) error {
	args := m.Called(ctx, peer, event, data)
	return args.Error(0)
}

func (m *MockEventRelay) Notify(ctx context.Context, event domain.EventName, data json.RawMessage) error {
	args := m.Called(ctx, event, data)
	return args.Error(0)
}

// MockRoomBus is a mock implementation of ports.RoomBus
type MockRoomBus struct {
	mock.Mock
}

var _ ports.RoomBus = (*MockRoomBus)(nil)

func NewMockRoomBus() *MockRoomBus {
	return &MockRoomBus{}
}

func (m *MockRoomBus) Publish(ctx context.Context, room domain.Room, frame []byte) error {
	args := m.Called(ctx, room, frame)
	return args.Error(0)
}

func (m *MockRoomBus) Subscribe(ctx context.Context, deliver func(room domain.Room, frame []byte), ready func()) error {
	args := m.Called(ctx, deliver, ready)
	return args.Error(0)
}

func (m *MockRoomBus) Healthy(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRoomBus) Close() error {
	args := m.Called()
	return args.Error(0)
}
