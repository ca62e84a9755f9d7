package events

import (
	"encoding/json"
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	handler := func(event *Event) error {
		received = event
		callCount++
		return nil
	}

	bus.Subscribe(EventDeadLettered, handler)

	payload := DeadLetterPayload{ItemID: 7, EntityID: "q-1", Permanent: true}
	if err := bus.PublishJSON(EventDeadLettered, payload); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventDeadLettered {
		t.Errorf("expected type %s, got %s", EventDeadLettered, received.Type)
	}

	var decoded DeadLetterPayload
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.ItemID != 7 || !decoded.Permanent {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	var kept, dropped int

	bus.Subscribe("event", func(_ *Event) error { kept++; return nil })
	unsubscribe := bus.Subscribe("event", func(_ *Event) error { dropped++; return nil })

	bus.Publish(&Event{Type: "event"})
	unsubscribe()
	unsubscribe()
	bus.Publish(&Event{Type: "event"})

	if kept != 2 {
		t.Errorf("expected remaining handler called twice, got %d", kept)
	}
	if dropped != 1 {
		t.Errorf("expected unsubscribed handler called once, got %d", dropped)
	}
}

func TestEventBusWildcard(t *testing.T) {
	bus := NewEventBus()
	var seen []string

	bus.Subscribe(EventAny, func(e *Event) error { seen = append(seen, e.Type); return nil })

	bus.Publish(&Event{Type: EventStatusChanged})
	bus.Publish(&Event{Type: EventAuthRequired})

	if len(seen) != 2 || seen[0] != EventStatusChanged || seen[1] != EventAuthRequired {
		t.Errorf("unexpected wildcard deliveries: %v", seen)
	}
}

func TestEventBusHandlerPanic(t *testing.T) {
	bus := NewEventBus()
	var after int

	bus.Subscribe("event", func(_ *Event) error { panic("boom") })
	bus.Subscribe("event", func(_ *Event) error { after++; return nil })

	bus.Publish(&Event{Type: "event"})

	if after != 1 {
		t.Errorf("expected handler after panicking one to run, got %d", after)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	nilBus.Publish(&Event{Type: "unknown"})
	if err := nilBus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON on nil bus failed: %v", err)
	}
}

func TestNewJSONEvent(t *testing.T) {
	payload := ConflictPayload{ConflictID: "c-1", EntityID: "q-1", Fields: []string{"status"}}
	event, err := NewJSONEvent(EventConflictDetected, payload)
	if err != nil {
		t.Fatalf("NewJSONEvent failed: %v", err)
	}

	if event.Type != EventConflictDetected {
		t.Errorf("expected %s, got %s", EventConflictDetected, event.Type)
	}
	if event.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded ConflictPayload
	if err := json.Unmarshal(event.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.ConflictID != "c-1" || len(decoded.Fields) != 1 {
		t.Errorf("unexpected payload %+v", decoded)
	}
}
