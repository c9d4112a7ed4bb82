// SPDX-License-Identifier: MIT

package pubsub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ManuGH/flaregql/internal/log"
	"github.com/ManuGH/flaregql/internal/metrics"
)

// Bus is an in-memory topic registry. Each Subscribe call registers one
// independent subscription; Publish fans out synchronously in registration order.
//
// Publish never blocks: events queue (unbounded) in each subscription until the
// consumer pulls them. A consumer that never pulls and never closes keeps its
// registration and queue alive.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription
	nextID atomic.Uint64
	logger zerolog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New creates an isolated bus instance.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]*Subscription),
		logger: log.WithComponent("pubsub"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers ev to every subscription currently registered on topic.
// Events published with no subscriber are dropped. A stop event is delivered and
// then the whole topic is unregistered; each subscription still drains the values
// queued before the stop.
func (b *Bus) Publish(topic string, ev Event) {
	b.mu.Lock()
	subs := b.subs[topic]
	if len(subs) == 0 {
		b.mu.Unlock()
		metrics.IncBusDropped(topic)
		b.logger.Debug().
			Str(log.FieldEvent, "bus.dropped").
			Str(log.FieldTopic, topic).
			Str("kind", ev.kind()).
			Msg("no subscriber for topic")
		return
	}
	for _, s := range subs {
		s.push(ev)
	}
	if ev.stop {
		delete(b.subs, topic)
	}
	n := len(b.subs[topic])
	b.mu.Unlock()

	metrics.IncBusPublished(topic, ev.kind())
	if ev.stop {
		metrics.SetBusSubscribers(topic, n)
		b.logger.Debug().
			Str(log.FieldEvent, "bus.stopped").
			Str(log.FieldTopic, topic).
			Int(log.FieldSubscribers, len(subs)).
			Msg("topic stopped")
	}
}

// Emit publishes v as a data event.
func (b *Bus) Emit(topic string, v any) {
	b.Publish(topic, Data(v))
}

// Subscribe registers a new subscription on topic. The registration is released
// when the stop event arrives, a Resolve call fails, Close is called, or ctx ends.
func (b *Bus) Subscribe(ctx context.Context, topic string, opts Options) *Subscription {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Subscription{
		id:     b.nextID.Add(1),
		topic:  topic,
		bus:    b,
		opts:   opts,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	n := len(b.subs[topic])
	b.mu.Unlock()

	metrics.SetBusSubscribers(topic, n)
	b.logger.Debug().
		Str(log.FieldEvent, "bus.subscribed").
		Str(log.FieldTopic, topic).
		Uint64("subscription", s.id).
		Int(log.FieldSubscribers, n).
		Msg("subscription registered")

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Lock()
	s.stopCtx = stop
	s.mu.Unlock()
	return s
}

// Subscribers returns the number of registered subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	lst := b.subs[s.topic]
	out := lst[:0]
	found := false
	for _, c := range lst {
		if c != s {
			out = append(out, c)
		} else {
			found = true
		}
	}
	for i := len(out); i < len(lst); i++ {
		lst[i] = nil
	}
	if len(out) == 0 {
		delete(b.subs, s.topic)
	} else {
		b.subs[s.topic] = out
	}
	n := len(out)
	b.mu.Unlock()

	if !found {
		return
	}
	metrics.SetBusSubscribers(s.topic, n)
	b.logger.Debug().
		Str(log.FieldEvent, "bus.unsubscribed").
		Str(log.FieldTopic, s.topic).
		Uint64("subscription", s.id).
		Int(log.FieldSubscribers, n).
		Msg("subscription released")
}
