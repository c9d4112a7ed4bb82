// SPDX-License-Identifier: MIT

package gqlhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/graphql-go/graphql"

	"github.com/ManuGH/flaregql/internal/pubsub"
)

// Failure carries a resolve error from the event stream to the field
// resolver, which reports it as a GraphQL error for that event.
type Failure struct {
	Err error
}

func (f Failure) Error() string { return f.Err.Error() }

func (f Failure) Unwrap() error { return f.Err }

func asFailure(err error) Failure {
	var f Failure
	if errors.As(err, &f) {
		return f
	}
	return Failure{Err: err}
}

// SubscriptionConfig binds a subscription field to a bus topic.
type SubscriptionConfig struct {
	// Topic is the fixed topic. TopicFunc, when set, derives it from the
	// field arguments instead.
	Topic     string
	TopicFunc func(p graphql.ResolveParams) (string, error)
	// InitialValue, when set, is yielded first, before any live event.
	InitialValue func(p graphql.ResolveParams) (any, error)
	// Resolve maps every yielded value. A failure ends the subscription
	// after it has been reported.
	Resolve func(p graphql.ResolveParams, v any) (any, error)
	// Publisher receives Emit calls. It defaults to the bus, set it to the
	// Redis relay to fan out across nodes.
	Publisher pubsub.Publisher
}

// Subscription bridges a pubsub topic to a graphql-go subscription field.
// Use Subscribe and Resolve as the field's functions and Emit to publish.
type Subscription struct {
	bus *pubsub.Bus
	cfg SubscriptionConfig
}

// NewSubscription returns the bridge for cfg on bus.
func NewSubscription(bus *pubsub.Bus, cfg SubscriptionConfig) *Subscription {
	if cfg.Publisher == nil {
		cfg.Publisher = bus
	}
	return &Subscription{bus: bus, cfg: cfg}
}

// Emit publishes v on the fixed topic.
func (s *Subscription) Emit(v any) {
	s.cfg.Publisher.Publish(s.cfg.Topic, pubsub.Data(v))
}

// EmitTo publishes v on topic.
func (s *Subscription) EmitTo(topic string, v any) {
	s.cfg.Publisher.Publish(topic, pubsub.Data(v))
}

// Complete ends every subscription on topic.
func (s *Subscription) Complete(topic string) {
	s.cfg.Publisher.Publish(topic, pubsub.Stop())
}

// Subscribe is a graphql.FieldResolveFn returning the event channel the
// engine consumes. The bus registration lives as long as p.Context.
func (s *Subscription) Subscribe(p graphql.ResolveParams) (any, error) {
	ctx := p.Context
	if ctx == nil {
		ctx = context.Background()
	}

	topic := s.cfg.Topic
	if s.cfg.TopicFunc != nil {
		t, err := s.cfg.TopicFunc(p)
		if err != nil {
			return nil, err
		}
		topic = t
	}

	opts := pubsub.Options{}
	if s.cfg.InitialValue != nil {
		opts.InitialValue = func() any {
			v, err := s.cfg.InitialValue(p)
			if err != nil {
				return Failure{Err: err}
			}
			return v
		}
	}
	if s.cfg.Resolve != nil {
		opts.Resolve = func(_ context.Context, v any) (any, error) {
			if f, ok := v.(Failure); ok {
				return nil, f
			}
			return s.cfg.Resolve(p, v)
		}
	}
	sub := s.bus.Subscribe(ctx, topic, opts)

	// The engine only accepts a bidirectional chan interface{}.
	events := make(chan interface{})
	go func() {
		defer close(events)
		defer sub.Close()
		for {
			v, ok, err := sub.Next(ctx)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				v = asFailure(err)
			case !ok:
				return
			}
			select {
			case events <- v:
			case <-ctx.Done():
				return
			}
			if _, failed := v.(Failure); failed {
				return
			}
		}
	}()
	return events, nil
}

// Resolve is the field's graphql.FieldResolveFn: it returns the event
// payload, or the error carried by a Failure.
func (s *Subscription) Resolve(p graphql.ResolveParams) (any, error) {
	if f, ok := p.Source.(Failure); ok {
		return nil, f.Err
	}
	return p.Source, nil
}

// Arguments decodes the coerced field arguments of p into dst.
func Arguments(p graphql.ResolveParams, dst any) error {
	raw, err := json.Marshal(p.Args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
