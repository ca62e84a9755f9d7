package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventStatusChanged    = "status_changed"
	EventConflictDetected = "conflict_detected"
	EventConflictResolved = "conflict_resolved"
	EventDeadLettered     = "dead_lettered"
	EventAuthRequired     = "auth_required"
	EventCycleCompleted   = "cycle_completed"
	EventEntityChanged    = "entity_changed"

	// EventAny subscribes a handler to every event type.
	EventAny = "*"
)

// DeadLetterPayload describes a queue item moved out of automatic retry.
type DeadLetterPayload struct {
	ItemID     int64  `json:"item_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Operation  string `json:"operation"`
	RetryCount int    `json:"retry_count"`
	Reason     string `json:"reason"`
	Permanent  bool   `json:"permanent"`
}

// ConflictPayload describes a conflict awaiting or receiving resolution.
type ConflictPayload struct {
	ConflictID string   `json:"conflict_id"`
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	Fields     []string `json:"fields,omitempty"`
	Choice     string   `json:"choice,omitempty"`
}

// EntityPayload announces a local entity change.
type EntityPayload struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	SyncStatus string `json:"sync_status"`
	Version    int64  `json:"version"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the JSON payload into out.
func (e *Event) Decode(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]subscription)}
}

// Subscribe registers a handler for a given event type and returns its unsubscribe func.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(eventType, id) })
	}
}

func (b *EventBus) unsubscribe(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}

// Publish notifies subscribers of the event type, then wildcard subscribers.
func (b *EventBus) Publish(event *Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers[event.Type])+len(b.subscribers[EventAny]))
	for _, s := range b.subscribers[event.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.subscribers[EventAny] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		callHandler(handler, event)
	}
}

func callHandler(handler EventHandler, event *Event) {
	defer func() { _ = recover() }()
	_ = handler(event)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
