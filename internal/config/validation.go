// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ManuGH/flaregql/internal/cors"
)

var (
	// ErrInvalid classifies every validation failure.
	ErrInvalid = errors.New("invalid config")
	// ErrUnknownConfigField classifies strict YAML parse failures caused by unknown keys.
	// Use errors.Is(err, ErrUnknownConfigField) instead of string matching.
	ErrUnknownConfigField = errors.New("unknown config field")
)

// Validate checks cfg and returns every problem found, joined.
func Validate(cfg AppConfig) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: %s", ErrInvalid, field, fmt.Sprintf(format, args...)))
	}

	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		add("listenAddr", "%v", err)
	}
	if !strings.HasPrefix(cfg.GraphQLPath, "/") {
		add("graphqlPath", "must start with /")
	}
	switch cfg.GraphQLPath {
	case "/metrics", "/healthz":
		add("graphqlPath", "%q is reserved", cfg.GraphQLPath)
	}
	if cfg.KeepAliveInterval < 0 {
		add("keepAliveInterval", "must not be negative")
	}
	if cfg.ShutdownTimeout <= 0 {
		add("shutdownTimeout", "must be positive")
	}

	if _, err := cors.ParseOrigins(cfg.CORS.Origins); err != nil {
		add("cors.origins", "%v", err)
	}
	if cfg.CORS.MaxAge < 0 {
		add("cors.maxAge", "must not be negative")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Requests <= 0 {
			add("rateLimit.requests", "must be positive")
		}
		if cfg.RateLimit.Window <= 0 {
			add("rateLimit.window", "must be positive")
		}
	}

	if cfg.Redis.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Redis.Addr); err != nil {
			add("redis.addr", "%v", err)
		}
		if cfg.Redis.DB < 0 {
			add("redis.db", "must not be negative")
		}
	}

	if cfg.Telemetry.Enabled {
		switch cfg.Telemetry.Exporter {
		case "grpc", "http":
		default:
			add("telemetry.exporter", "must be grpc or http, got %q", cfg.Telemetry.Exporter)
		}
		if cfg.Telemetry.Endpoint == "" {
			add("telemetry.endpoint", "required when telemetry is enabled")
		}
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		add("telemetry.samplingRate", "must be within [0, 1]")
	}

	for i, raw := range cfg.Upstreams {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Sprintf("upstreams[%d]", i), "not an http(s) URL: %q", raw)
		}
	}
	if cfg.UpstreamKey != "" && len(cfg.Upstreams) == 0 {
		add("upstreamKey", "set without upstreams")
	}

	return errors.Join(errs...)
}
