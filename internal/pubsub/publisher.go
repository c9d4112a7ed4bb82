// SPDX-License-Identifier: MIT

package pubsub

// Publisher is the producer-facing side of the bus. Both *Bus and the Redis
// relay implement it, so producers do not care whether fan-out is local or
// cluster-wide. Local delivery never blocks; the relay additionally waits for
// its Redis PUBLISH, bounded by a short timeout.
type Publisher interface {
	Publish(topic string, ev Event)
}

var _ Publisher = (*Bus)(nil)
