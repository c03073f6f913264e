package conversation

import "time"

// EventType identifies a structured orchestration event.
type EventType string

const (
	EventConversationStarted EventType = "conversation_started"
	EventConversationMessage EventType = "conversation_message"
	EventConversationEnded   EventType = "conversation_ended"
	EventConversationError   EventType = "conversation_error"
)

// Event is one structured record emitted to observers. Delivery is
// fire-and-forget: a failed observer never fails or blocks the turn.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Fields         map[string]any `json:"fields,omitempty"`
}

// EventSink consumes orchestration events. Implementations must be safe
// for calls from the orchestrator's run goroutine and should degrade in
// isolation; returned errors are logged by the orchestrator and otherwise
// ignored.
type EventSink interface {
	Publish(event Event) error
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event Event) error

// Publish implements EventSink.
func (f EventSinkFunc) Publish(event Event) error { return f(event) }

func newEvent(eventType EventType, conversationID string, fields map[string]any) Event {
	return Event{
		Type:           eventType,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
		Fields:         fields,
	}
}
