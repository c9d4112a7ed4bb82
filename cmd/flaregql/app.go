// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/flaregql/internal/api"
	"github.com/ManuGH/flaregql/internal/config"
	"github.com/ManuGH/flaregql/internal/demo"
	"github.com/ManuGH/flaregql/internal/gqlhttp"
	"github.com/ManuGH/flaregql/internal/log"
	"github.com/ManuGH/flaregql/internal/pubsub"
	"github.com/ManuGH/flaregql/internal/pubsub/redisrelay"
	"github.com/ManuGH/flaregql/internal/remote"
	"github.com/ManuGH/flaregql/internal/telemetry"
)

// app owns the long-running parts of a node.
type app struct {
	cfg    config.AppConfig
	logger zerolog.Logger

	server *api.Server
	holder *config.Holder
	relay  *redisrelay.Relay
	redis  *redis.Client
}

// newApp wires the node for cfg. Nothing listens until run.
func newApp(cfg config.AppConfig, loader *config.Loader) (*app, error) {
	a := &app{cfg: cfg, logger: log.WithComponent("daemon")}

	bus := pubsub.New(pubsub.WithLogger(log.WithComponent("pubsub")))
	var (
		pub     pubsub.Publisher = bus
		counter demo.Counter     = demo.NewMemoryCounter()
		opts    []api.Option
	)
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		relay, err := redisrelay.New(redisrelay.Config{
			Client: a.redis,
			Bus:    bus,
			Prefix: cfg.Redis.ChannelPrefix,
		})
		if err != nil {
			_ = a.redis.Close()
			return nil, fmt.Errorf("redis relay: %w", err)
		}
		a.relay, pub = relay, relay
		counter = demo.NewRedisCounter(a.redis, cfg.Redis.ChannelPrefix+"upvotes:")
		opts = append(opts, api.WithReadiness(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}))
	}

	exec, err := newExecutor(cfg, bus, pub, counter)
	if err != nil {
		a.close()
		return nil, err
	}

	a.server, err = api.New(cfg, exec, opts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("api server: %w", err)
	}

	a.holder = config.NewHolder(cfg, loader)
	a.holder.OnChange(func(_, next config.AppConfig) {
		if err := a.server.UpdateCORS(next.CORS); err != nil {
			a.logger.Warn().Err(err).Str(log.FieldEvent, "cors.update_failed").Msg("keeping previous CORS policy")
		}
		log.Configure(log.Config{Level: next.LogLevel, Service: next.LogService, Version: next.Version})
	})
	return a, nil
}

// newExecutor forwards to the configured upstreams, or serves the built-in
// demo schema when there are none.
func newExecutor(cfg config.AppConfig, bus *pubsub.Bus, pub pubsub.Publisher, counter demo.Counter) (gqlhttp.Executor, error) {
	if len(cfg.Upstreams) > 0 {
		var sel remote.Selector
		if cfg.UpstreamKey != "" {
			sel = remote.ByVariable(cfg.UpstreamKey, cfg.Upstreams)
		} else {
			sel = remote.Static(cfg.Upstreams[0])
		}
		return remote.NewForwarder(sel, nil), nil
	}
	schema, err := demo.NewSchema(bus, pub, counter)
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	return gqlhttp.NewLocal(schema), nil
}

// run serves until ctx is done or a part fails.
func (a *app) run(ctx context.Context) error {
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Run(ctx) })
	g.Go(func() error { return a.holder.Run(ctx) })
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(ctx) })
	}
	return g.Wait()
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// run starts tracing and the node, and blocks until ctx is done.
func run(ctx context.Context, cfg config.AppConfig, loader *config.Loader) error {
	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.LogService,
		ServiceVersion: cfg.Version,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()

	a, err := newApp(cfg, loader)
	if err != nil {
		return err
	}
	return a.run(ctx)
}
