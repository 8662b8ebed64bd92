package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record of one application change.
// Events live only as long as subscribers process them; the journal keeps
// copies for diagnostics but never feeds them back.
type Event struct {
	// ID uniquely identifies the event.
	ID string

	// Kind identifies the change category. It always equals Payload.Kind().
	Kind Kind

	// Payload contains the typed change data.
	Payload Payload

	// Source names the publishing component (e.g. "auth", "assessments").
	Source string

	// Time is when the event was created.
	Time time.Time

	// Seq is the global publish sequence assigned by the bus (1-indexed).
	// Zero means the event has not been published.
	Seq uint64
}

// NewEvent creates an event for payload with the current timestamp.
func NewEvent(payload Payload, source string) Event {
	var kind Kind
	if payload != nil {
		kind = payload.Kind()
	}
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: payload,
		Source:  source,
		Time:    time.Now(),
	}
}

// WithTime returns a copy of the event with Time set.
func (e Event) WithTime(t time.Time) Event {
	e.Time = t
	return e
}

// Handler is a function type for handling events.
type Handler func(Event)

// MultiHandler combines multiple handlers into one.
func MultiHandler(handlers ...Handler) Handler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelHandler(ch chan<- Event) Handler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
