package hsmstate

// Event is the immutable message primitive dispatched to a Machine. Type
// names the event for handler dispatch and logging; Data carries whatever
// payload the sender attached, retrievable from a MessageContext via
// MessageContext.Payload.
type Event struct {
	Type string
	Data any
}

// NewEvent constructs an Event.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data}
}
