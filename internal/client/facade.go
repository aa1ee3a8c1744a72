package client

import (
	"log/slog"
	"sync"

	"github.com/goccy/go-json"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
)

// Facade is the typed API UI code uses. Joins, leaves and notifications are
// best effort: while disconnected they are dropped with a logged diagnostic
// and never return an error, queue or block.
type Facade struct {
	m      *Manager
	logger *slog.Logger

	// holds counts the scopes holding each room on connection connSeq.
	// The server drops membership with the connection, so the counts are
	// reset whenever the connection changes.
	mu      sync.Mutex
	connSeq uint64
	holds   map[domain.Room]int
}

// NewFacade wraps a manager.
func NewFacade(m *Manager) *Facade {
	return &Facade{m: m, logger: m.logger, holds: make(map[domain.Room]int)}
}

// Manager returns the underlying connection manager.
func (f *Facade) Manager() *Manager {
	return f.m
}

// IsConnected reports whether the connection is up.
func (f *Facade) IsConnected() bool {
	return f.m.IsConnected()
}

func (f *Facade) emit(event domain.EventName, payload any) {
	// Emit already logs why an event was dropped.
	_ = f.m.Emit(event, payload)
}

// --- Rooms ---

func (f *Facade) JoinProductRoom(productID int64) {
	f.emit(domain.EventJoinProduct, productID)
}

func (f *Facade) LeaveProductRoom(productID int64) {
	f.emit(domain.EventLeaveProduct, productID)
}

func (f *Facade) JoinProductsRoom() {
	f.emit(domain.EventJoinProducts, nil)
}

func (f *Facade) LeaveProductsRoom() {
	f.emit(domain.EventLeaveProducts, nil)
}

// --- Notifications ---

// NotifyNewReview reports a review that has already been stored.
func (f *Facade) NotifyNewReview(productID int64, review domain.ReviewData) {
	f.emit(domain.EventNewReview, domain.NewReviewMessage{ProductID: productID, Review: &review})
}

func (f *Facade) NotifyNewProduct(product domain.ProductData) {
	f.emit(domain.EventNewProduct, domain.ProductMessage{Product: &product})
}

func (f *Facade) NotifyProductUpdated(product domain.ProductData) {
	f.emit(domain.EventProductUpdated, domain.ProductMessage{Product: &product})
}

func (f *Facade) NotifyProductDeleted(productID int64) {
	f.emit(domain.EventProductDeleted, domain.ProductDeletedMessage{ProductID: productID})
}

// --- Listeners ---

func (f *Facade) OnReviewAdded(fn func(domain.ReviewAdded)) Subscription {
	return on(f, domain.EventReviewAdded, fn)
}

func (f *Facade) OnProductAdded(fn func(domain.ProductChanged)) Subscription {
	return on(f, domain.EventProductAdded, fn)
}

func (f *Facade) OnProductUpdated(fn func(domain.ProductChanged)) Subscription {
	return on(f, domain.EventProductUpdated, fn)
}

func (f *Facade) OnProductDeleted(fn func(domain.ProductDeleted)) Subscription {
	return on(f, domain.EventProductDeleted, fn)
}

// Off removes exactly the listener behind sub. Removing it twice is a no-op.
func (f *Facade) Off(sub Subscription) {
	f.m.Off(sub)
}

// on decodes the payload into T before calling fn. Payloads that do not
// decode are logged and skipped.
func on[T any](f *Facade, event domain.EventName, fn func(T)) Subscription {
	return f.m.On(event, func(data json.RawMessage) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			f.logger.Warn("ignoring undecodable payload", "event", event, "error", err)
			return
		}
		fn(payload)
	})
}

// holdRoom joins room for a scope. Only the first holder on a connection
// sends the join. It returns the connection the hold belongs to and whether
// the hold was taken.
func (f *Facade) holdRoom(room domain.Room, join func() error) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq, connected := f.m.connection()
	if !connected {
		f.logger.Warn("not connected, dropping room join", "room", room)
		return 0, false
	}
	f.syncConnLocked(seq)

	if f.holds[room] == 0 {
		if err := join(); err != nil {
			return 0, false
		}
	}
	f.holds[room]++
	return seq, true
}

// releaseRoom drops a hold taken on connection heldOn. The leave is sent
// when the last holder on the current connection releases the room. Holds
// from an earlier connection are already gone server side.
func (f *Facade) releaseRoom(room domain.Room, heldOn uint64, leave func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq, connected := f.m.connection()
	f.syncConnLocked(seq)
	if !connected {
		clear(f.holds)
		return
	}
	if heldOn != seq {
		return
	}

	switch f.holds[room] {
	case 0:
		return
	case 1:
		delete(f.holds, room)
		leave()
	default:
		f.holds[room]--
	}
}

func (f *Facade) syncConnLocked(seq uint64) {
	if seq != f.connSeq {
		f.connSeq = seq
		clear(f.holds)
	}
}

// Scope groups the room joins and listeners of one UI component so they can
// be released together when it unmounts.
type Scope struct {
	f *Facade

	mu     sync.Mutex
	subs   []Subscription
	leaves []func()
	closed bool
}

// NewScope creates an empty scope.
func (f *Facade) NewScope() *Scope {
	return &Scope{f: f}
}

// Track adds a listener handle to the scope.
func (s *Scope) Track(sub Subscription) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.f.Off(sub)
		return sub
	}
	s.subs = append(s.subs, sub)
	return sub
}

// JoinProductRoom joins the room and releases it on Close. Scopes sharing a
// room keep it joined until the last of them closes.
func (s *Scope) JoinProductRoom(productID int64) {
	s.hold(domain.ProductRoom(productID),
		func() error { return s.f.m.Emit(domain.EventJoinProduct, productID) },
		func() { s.f.LeaveProductRoom(productID) })
}

// JoinProductsRoom joins the catalog room and releases it on Close.
func (s *Scope) JoinProductsRoom() {
	s.hold(domain.CatalogRoom,
		func() error { return s.f.m.Emit(domain.EventJoinProducts, nil) },
		s.f.LeaveProductsRoom)
}

// hold runs under the scope lock so a concurrent Close cannot miss it.
func (s *Scope) hold(room domain.Room, join func() error, leave func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if seq, ok := s.f.holdRoom(room, join); ok {
		s.leaves = append(s.leaves, func() { s.f.releaseRoom(room, seq, leave) })
	}
}

// Close leaves every joined room and removes every tracked listener. It is
// safe to call more than once.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs, leaves := s.subs, s.leaves
	s.subs, s.leaves = nil, nil
	s.mu.Unlock()

	for _, leave := range leaves {
		leave()
	}
	for _, sub := range subs {
		s.f.Off(sub)
	}
}
