// SPDX-License-Identifier: MIT

// Package config loads, validates and hot-reloads the flaregql configuration.
// Precedence is ENV > YAML file > defaults.
package config

import "time"

// AppConfig is the effective node configuration.
type AppConfig struct {
	ListenAddr        string        `yaml:"listenAddr"`
	GraphQLPath       string        `yaml:"graphqlPath"`
	GraphiQL          bool          `yaml:"graphiql"`
	KeepAliveInterval time.Duration `yaml:"keepAliveInterval"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`

	LogLevel   string `yaml:"logLevel"`
	LogService string `yaml:"logService"`

	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Redis     RedisConfig     `yaml:"redis"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Upstreams turns the node into a gateway forwarding every operation.
	Upstreams []string `yaml:"upstreams,omitempty"`
	// UpstreamKey names the variable used to shard over Upstreams.
	UpstreamKey string `yaml:"upstreamKey,omitempty"`

	// Version is set from the binary, never from file or env.
	Version string `yaml:"-"`
}

// CORSConfig is the cross-origin policy. Origins accepts "*", exact origins
// and /regex/ patterns.
type CORSConfig struct {
	Origins     []string `yaml:"origins"`
	Credentials bool     `yaml:"credentials"`
	Methods     []string `yaml:"methods,omitempty"`
	Headers     []string `yaml:"headers,omitempty"`
	MaxAge      int      `yaml:"maxAge,omitempty"`
}

// RateLimitConfig limits requests per client IP.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// RedisConfig enables the cross-node bus relay when Addr is set.
type RedisConfig struct {
	Addr          string `yaml:"addr,omitempty"`
	Password      string `yaml:"password,omitempty"`
	DB            int    `yaml:"db,omitempty"`
	ChannelPrefix string `yaml:"channelPrefix,omitempty"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter,omitempty"`
	Endpoint     string  `yaml:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"samplingRate"`
}
