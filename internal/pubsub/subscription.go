// SPDX-License-Identifier: MIT

package pubsub

import (
	"context"
	"sync"
)

// ResolveFunc maps a published value (and the initial value) before it is yielded.
type ResolveFunc func(ctx context.Context, v any) (any, error)

// Options tunes a single subscription.
type Options struct {
	// InitialValue, when set, is called on the first pull and its result is
	// yielded before any live event.
	InitialValue func() any
	// Resolve is applied to every yielded value. An error ends the subscription.
	Resolve ResolveFunc
}

// Subscription is a single-use pull sequence over one topic.
type Subscription struct {
	id    uint64
	topic string
	bus   *Bus
	opts  Options

	mu      sync.Mutex
	queue   []Event
	started bool
	closed  bool
	stopCtx func() bool

	notify chan struct{}
	done   chan struct{}
}

// Topic returns the topic this subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// Next blocks until the next value is available. ok is false once the stop
// event has been consumed or the subscription is closed. A Resolve error is
// returned as err and terminates the subscription. Cancelling ctx only aborts
// this pull.
func (s *Subscription) Next(ctx context.Context) (value any, ok bool, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, nil
	}
	if !s.started {
		s.started = true
		if s.opts.InitialValue != nil {
			s.mu.Unlock()
			return s.resolve(ctx, s.opts.InitialValue())
		}
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, false, nil
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if ev.stop {
				_ = s.Close()
				return nil, false, nil
			}
			return s.resolve(ctx, ev.value)
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (s *Subscription) resolve(ctx context.Context, v any) (any, bool, error) {
	if s.opts.Resolve == nil {
		return v, true, nil
	}
	out, err := s.opts.Resolve(ctx, v)
	if err != nil {
		_ = s.Close()
		return nil, false, err
	}
	return out, true, nil
}

// Pending returns the number of queued events not yet pulled.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Done is closed once the subscription has been closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close releases the bus registration and drops queued events. It is idempotent.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	stop := s.stopCtx
	close(s.done)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.bus.remove(s)
	return nil
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
