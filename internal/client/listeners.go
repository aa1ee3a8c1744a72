package client

import (
	"sync"

	"github.com/goccy/go-json"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
)

// Subscription is the handle returned when a listener is registered. It is
// the only way to remove that listener.
type Subscription struct {
	id    uint64
	event domain.EventName
}

// Event returns the event name the listener is registered for.
func (s Subscription) Event() domain.EventName {
	return s.event
}

// IsZero reports whether s is the zero handle.
func (s Subscription) IsZero() bool {
	return s.id == 0
}

type listener struct {
	id uint64
	fn func(json.RawMessage)
}

// listenerSet keeps listeners per event in registration order.
type listenerSet struct {
	mu     sync.RWMutex
	nextID uint64
	byName map[domain.EventName][]listener
}

func newListenerSet() *listenerSet {
	return &listenerSet{byName: make(map[domain.EventName][]listener)}
}

func (s *listenerSet) add(event domain.EventName, fn func(json.RawMessage)) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.byName[event] = append(s.byName[event], listener{id: s.nextID, fn: fn})
	return Subscription{id: s.nextID, event: event}
}

func (s *listenerSet) remove(sub Subscription) {
	if sub.IsZero() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.byName[sub.event]
	for i, l := range current {
		if l.id != sub.id {
			continue
		}
		next := make([]listener, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(s.byName, sub.event)
		} else {
			s.byName[sub.event] = next
		}
		return
	}
}

func (s *listenerSet) count(event domain.EventName) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName[event])
}

// dispatch calls every listener for event outside the lock, so listeners
// may register or remove listeners themselves.
func (s *listenerSet) dispatch(event domain.EventName, data json.RawMessage) {
	s.mu.RLock()
	current := s.byName[event]
	s.mu.RUnlock()

	for _, l := range current {
		l.fn(data)
	}
}
