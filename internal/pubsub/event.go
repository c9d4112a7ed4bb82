// SPDX-License-Identifier: MIT

// Package pubsub implements the process-wide topic event bus that bridges
// producers (mutations) to subscription streams.
package pubsub

// Event is the unit carried on a topic: either a data value or the stop signal.
// The stop flag is unexported, so no payload can be mistaken for a stop signal.
type Event struct {
	value any
	stop  bool
}

// Data wraps v as a regular event. Data(Stop()) is data, not a stop signal.
func Data(v any) Event {
	return Event{value: v}
}

// Stop returns the control event that ends every active subscription on the
// topic it is published to.
func Stop() Event {
	return Event{stop: true}
}

// IsStop reports whether e is the stop signal.
func (e Event) IsStop() bool {
	return e.stop
}

// Value returns the payload of a data event (nil for the stop signal).
func (e Event) Value() any {
	return e.value
}

func (e Event) kind() string {
	if e.stop {
		return "stop"
	}
	return "data"
}
