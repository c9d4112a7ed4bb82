// SPDX-License-Identifier: MIT

// Package redisrelay extends a local pubsub.Bus across processes through Redis
// Pub/Sub, so a mutation handled on one node reaches subscriptions on another.
package redisrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/flaregql/internal/log"
	"github.com/ManuGH/flaregql/internal/metrics"
	"github.com/ManuGH/flaregql/internal/pubsub"
)

// DefaultPrefix namespaces relay channels in a shared Redis.
const DefaultPrefix = "flaregql:bus:"

const publishTimeout = 3 * time.Second

// envelope is the wire form of a pubsub.Event.
type envelope struct {
	Origin string          `json:"origin"`
	Stop   bool            `json:"stop,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// Config holds relay configuration.
type Config struct {
	Client *redis.Client
	Bus    *pubsub.Bus
	Prefix string // optional, defaults to DefaultPrefix
	Logger *zerolog.Logger
}

// Relay publishes events locally and to Redis, and replays events published by
// other nodes into the local bus. Values cross the wire as JSON, so remote
// subscribers observe decoded JSON values (maps, float64, strings).
type Relay struct {
	client *redis.Client
	bus    *pubsub.Bus
	prefix string
	origin string
	logger zerolog.Logger
}

// New creates a relay. It does not contact Redis until Publish or Run.
func New(cfg Config) (*Relay, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := log.WithComponent("relay")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Relay{
		client: cfg.Client,
		bus:    cfg.Bus,
		prefix: prefix,
		origin: uuid.NewString(),
		logger: logger,
	}, nil
}

// Publish implements pubsub.Publisher. Local delivery happens first; the
// caller then waits for the Redis PUBLISH for at most publishTimeout, so
// remote nodes observe events in publish order. Redis failures are logged.
func (r *Relay) Publish(topic string, ev pubsub.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.PublishContext(ctx, topic, ev); err != nil {
		r.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "relay.publish_failed").
			Str(log.FieldTopic, topic).
			Msg("failed to relay event to redis")
	}
}

// PublishContext delivers ev to the local bus and then to Redis.
func (r *Relay) PublishContext(ctx context.Context, topic string, ev pubsub.Event) error {
	r.bus.Publish(topic, ev)

	env := envelope{Origin: r.origin, Stop: ev.IsStop()}
	if !ev.IsStop() {
		raw, err := json.Marshal(ev.Value())
		if err != nil {
			metrics.IncRelay("out", "encode_error")
			return fmt.Errorf("encode value for topic %q: %w", topic, err)
		}
		env.Value = raw
	}
	payload, err := json.Marshal(env)
	if err != nil {
		metrics.IncRelay("out", "encode_error")
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+topic, payload).Err(); err != nil {
		metrics.IncRelay("out", "error")
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	metrics.IncRelay("out", "ok")
	return nil
}

// Run replays remote events into the local bus until ctx ends. Events this
// relay published itself are skipped; they were already delivered locally.
func (r *Relay) Run(ctx context.Context) error {
	ps := r.client.PSubscribe(ctx, r.prefix+"*")
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis psubscribe: %w", err)
	}
	r.logger.Info().
		Str(log.FieldEvent, "relay.started").
		Str("pattern", r.prefix+"*").
		Msg("relaying bus events through redis")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str(log.FieldEvent, "relay.stopped").Msg("relay stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg)
		}
	}
}

func (r *Relay) deliver(msg *redis.Message) {
	topic := strings.TrimPrefix(msg.Channel, r.prefix)

	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		metrics.IncRelay("in", "decode_error")
		r.logger.Warn().
			Err(err).
			Str(log.FieldEvent, "relay.decode_failed").
			Str(log.FieldTopic, topic).
			Msg("dropping malformed relay envelope")
		return
	}
	if env.Origin == r.origin {
		return
	}
	if env.Stop {
		r.bus.Publish(topic, pubsub.Stop())
		metrics.IncRelay("in", "ok")
		return
	}

	var v any
	if len(env.Value) > 0 {
		if err := json.Unmarshal(env.Value, &v); err != nil {
			metrics.IncRelay("in", "decode_error")
			return
		}
	}
	r.bus.Publish(topic, pubsub.Data(v))
	metrics.IncRelay("in", "ok")
}

var _ pubsub.Publisher = (*Relay)(nil)
