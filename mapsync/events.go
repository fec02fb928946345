package mapsync

import (
	"sync"
	"time"
)

// EventType names a consumer-facing realtime event.
type EventType string

const (
	EventConnected                EventType = "connected"
	EventDisconnected             EventType = "disconnected"
	EventReconnectFailed          EventType = "reconnect_failed"
	EventOperationApplied         EventType = "operation_applied"
	EventConflictResolved         EventType = "conflict_resolved"
	EventManualResolutionRequired EventType = "manual_resolution_required"
	EventLocalOperationUpdated    EventType = "local_operation_updated"
	EventUserJoined               EventType = "user_joined"
	EventUserLeft                 EventType = "user_left"
	EventCursorMoved              EventType = "cursor_moved"
	EventPresenceUpdated          EventType = "presence_updated"
	EventError                    EventType = "error"
)

// Event is one realtime notification delivered to listeners.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// EventListener consumes one event.
type EventListener func(event Event)

// eventRegistry is an explicit observer registry keyed by event type. It is
// passed to collaborating components rather than acting as an ambient bus,
// and every registration returns an unsubscribe handle.
type eventRegistry struct {
	mu        sync.Mutex
	nextID    int
	listeners map[EventType]map[int]EventListener
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{
		listeners: make(map[EventType]map[int]EventListener),
	}
}

// on registers a listener and returns its unsubscribe handle.
func (r *eventRegistry) on(t EventType, fn EventListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.listeners[t]
	if !ok {
		byID = make(map[int]EventListener)
		r.listeners[t] = byID
	}
	id := r.nextID
	r.nextID++
	byID[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if byID, ok := r.listeners[t]; ok {
			delete(byID, id)
			if len(byID) == 0 {
				delete(r.listeners, t)
			}
		}
	}
}

// emit delivers an event to all listeners registered for its type.
func (r *eventRegistry) emit(t EventType, payload any) {
	r.mu.Lock()
	listeners := make([]EventListener, 0, len(r.listeners[t]))
	for _, fn := range r.listeners[t] {
		listeners = append(listeners, fn)
	}
	r.mu.Unlock()

	event := Event{Type: t, Payload: payload, Time: time.Now()}
	for _, fn := range listeners {
		fn(event)
	}
}

// clear detaches every listener.
func (r *eventRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = make(map[EventType]map[int]EventListener)
}
