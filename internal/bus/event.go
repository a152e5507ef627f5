package bus

import "time"

// Event represents a domain event published on the bus. Kind is a
// dot-separated name ("conversation.new.<peer>", "payment.confirmed")
// matched by subscriber namespace prefixes.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
