// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/flaregql/internal/cors"
	"github.com/ManuGH/flaregql/internal/gqlhttp"
	"github.com/ManuGH/flaregql/internal/pubsub/redisrelay"
)

// Defaults of the effective configuration.
const (
	DefaultListenAddr      = ":8787"
	DefaultGraphQLPath     = "/graphql"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRateRequests    = 100
	DefaultRateWindow      = time.Minute
	DefaultSamplingRate    = 1.0
)

// Loader handles configuration loading with precedence ENV > file > defaults.
type Loader struct {
	configPath string
	version    string
	// ConsumedEnvKeys records every environment key the last Load read.
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a loader for configPath. An empty path loads defaults
// and environment only.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path, possibly empty.
func (l *Loader) Path() string { return l.configPath }

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		ListenAddr:        DefaultListenAddr,
		GraphQLPath:       DefaultGraphQLPath,
		GraphiQL:          true,
		KeepAliveInterval: gqlhttp.DefaultKeepAlive,
		ShutdownTimeout:   DefaultShutdownTimeout,
		LogLevel:          "info",
		LogService:        "flaregql",
		CORS: CORSConfig{
			Origins: []string{"*"},
			Methods: append([]string(nil), cors.DefaultMethods...),
			MaxAge:  600,
		},
		RateLimit: RateLimitConfig{
			Requests: DefaultRateRequests,
			Window:   DefaultRateWindow,
		},
		Redis: RedisConfig{
			ChannelPrefix: redisrelay.DefaultPrefix,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: DefaultSamplingRate,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file (if
// any), then FLAREGQL_* environment variables, then validation.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()
	l.ConsumedEnvKeys = make(map[string]struct{})

	if l.configPath != "" {
		if err := l.mergeFile(&cfg, l.configPath); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (l *Loader) mergeFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		return err
	}
	return decodeStrict(bytes.NewReader(data), cfg)
}

// decodeStrict decodes YAML onto cfg, rejecting unknown keys. Keys absent
// from the document keep their current value.
func decodeStrict(r io.Reader, cfg *AppConfig) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "not found in type") {
			return fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.ListenAddr = l.envString("LISTEN_ADDR", cfg.ListenAddr)
	cfg.GraphQLPath = l.envString("GRAPHQL_PATH", cfg.GraphQLPath)
	cfg.GraphiQL = l.envBool("GRAPHIQL", cfg.GraphiQL)
	cfg.KeepAliveInterval = l.envDuration("KEEPALIVE_INTERVAL", cfg.KeepAliveInterval)
	cfg.ShutdownTimeout = l.envDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.LogLevel = l.envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = l.envString("LOG_SERVICE", cfg.LogService)

	cfg.CORS.Origins = l.envList("CORS_ORIGINS", cfg.CORS.Origins)
	cfg.CORS.Credentials = l.envBool("CORS_CREDENTIALS", cfg.CORS.Credentials)
	cfg.CORS.Methods = l.envList("CORS_METHODS", cfg.CORS.Methods)
	cfg.CORS.Headers = l.envList("CORS_HEADERS", cfg.CORS.Headers)
	cfg.CORS.MaxAge = l.envInt("CORS_MAX_AGE", cfg.CORS.MaxAge)

	cfg.RateLimit.Enabled = l.envBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.Requests = l.envInt("RATE_LIMIT_REQUESTS", cfg.RateLimit.Requests)
	cfg.RateLimit.Window = l.envDuration("RATE_LIMIT_WINDOW", cfg.RateLimit.Window)

	cfg.Redis.Addr = l.envString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = l.envString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = l.envInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.ChannelPrefix = l.envString("REDIS_CHANNEL_PREFIX", cfg.Redis.ChannelPrefix)

	cfg.Telemetry.Enabled = l.envBool("TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString("TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString("TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat("TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)

	cfg.Upstreams = l.envList("UPSTREAMS", cfg.Upstreams)
	cfg.UpstreamKey = l.envString("UPSTREAM_KEY", cfg.UpstreamKey)
}

func (l *Loader) consume(key string) string {
	key = EnvPrefix + key
	l.ConsumedEnvKeys[key] = struct{}{}
	return key
}

func (l *Loader) envString(key, def string) string { return ParseString(l.consume(key), def) }

func (l *Loader) envBool(key string, def bool) bool { return ParseBool(l.consume(key), def) }

func (l *Loader) envInt(key string, def int) int { return ParseInt(l.consume(key), def) }

func (l *Loader) envFloat(key string, def float64) float64 { return ParseFloat(l.consume(key), def) }

func (l *Loader) envList(key string, def []string) []string { return ParseList(l.consume(key), def) }

func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	return ParseDuration(l.consume(key), def)
}
