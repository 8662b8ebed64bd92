// Package bus provides the process-wide change event bus. Components publish
// typed change events and any number of independent subscribers observe every
// event in global publish order. The package also carries the subscription
// base components embed to react to selected kinds, a diagnostic journal of
// published events, and a coalescing publisher for bursty sources.
package bus

import "github.com/petal-labs/reactor/core"

// EventBus distributes change events to subscribers.
type EventBus interface {
	// Publish stamps the event's sequence number and delivers it to every
	// current subscriber. Publishing never blocks on the bus being busy.
	Publish(event core.Event)

	// Subscribe registers a handler that receives every event published
	// after it subscribes. The returned function unsubscribes it.
	Subscribe(handler core.Handler) (unsubscribe func())

	// Close shuts down the bus. Later publishes are dropped.
	Close() error
}

// Publisher is the publishing half of an EventBus.
// Actions and triggers depend on this instead of the full bus.
type Publisher interface {
	Publish(event core.Event)
}

// PublishFunc adapts a function to Publisher.
type PublishFunc func(core.Event)

// Publish calls f(event).
func (f PublishFunc) Publish(event core.Event) {
	f(event)
}
