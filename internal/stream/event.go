package stream

import (
	"encoding/json"
)

type EventType string

const (
	EventTextDelta            EventType = "text-delta"
	EventToolResult           EventType = "tool-result"
	EventConfirmationRequired EventType = "confirmation-required"
	EventActionConfirmed      EventType = "action-confirmed"
	EventError                EventType = "error"
	EventDone                 EventType = "done"
)

// Terminal reports whether the event type closes a request-scoped stream.
// Every stream ends in exactly one terminal event.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Emitter receives the orchestrator's events in emission order. No
// reordering or batching: the client reconstructs causal order from stream
// order alone.
type Emitter interface {
	Emit(event Event) error
}

func NewEvent(eventType EventType, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Type: eventType, Data: data}
}

func TextDelta(text string) Event {
	return NewEvent(EventTextDelta, map[string]string{"text": text})
}

func Done() Event {
	return NewEvent(EventDone, map[string]bool{"ok": true})
}

func Error(code, message string) Event {
	return NewEvent(EventError, map[string]string{"code": code, "message": message})
}
