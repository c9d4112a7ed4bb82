// SPDX-License-Identifier: MIT

// Package api assembles the flaregql HTTP server: the GraphQL endpoint behind
// the ingress middleware stack, plus metrics and health routes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/flaregql/internal/api/middleware"
	"github.com/ManuGH/flaregql/internal/config"
	"github.com/ManuGH/flaregql/internal/cors"
	"github.com/ManuGH/flaregql/internal/gqlhttp"
	"github.com/ManuGH/flaregql/internal/log"
)

// Server is the HTTP front of a flaregql node.
type Server struct {
	cfg    config.AppConfig
	router *chi.Mux
	logger zerolog.Logger

	policy  atomic.Pointer[cors.Policy]
	ready   func(context.Context) error
	factory gqlhttp.ContextFactory

	mu         sync.Mutex
	httpServer *http.Server
	cancelBase context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithReadiness makes /healthz report 503 while check fails.
func WithReadiness(check func(context.Context) error) Option {
	return func(s *Server) { s.ready = check }
}

// WithContextFactory sets the per-request GraphQL execution context.
func WithContextFactory(f gqlhttp.ContextFactory) Option {
	return func(s *Server) { s.factory = f }
}

// WithLogger overrides the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the server for cfg, executing GraphQL requests with exec.
func New(cfg config.AppConfig, exec gqlhttp.Executor, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, logger: log.WithComponent("api")}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.UpdateCORS(cfg.CORS); err != nil {
		return nil, err
	}

	stack := middleware.StackConfig{
		CORS:          s.corsPolicy,
		EnableMetrics: true,
		EnableLogging: true,
	}
	if cfg.Telemetry.Enabled {
		stack.TracingService = cfg.LogService
	}
	if cfg.RateLimit.Enabled {
		stack.RateLimit = &middleware.RateLimitConfig{
			RequestLimit: cfg.RateLimit.Requests,
			WindowSize:   cfg.RateLimit.Window,
		}
	}
	s.router = middleware.NewRouter(stack)

	handlerOpts := []gqlhttp.Option{
		gqlhttp.WithKeepAlive(cfg.KeepAliveInterval),
		gqlhttp.WithLogger(log.WithComponent("gqlhttp")),
	}
	if cfg.GraphiQL {
		handlerOpts = append(handlerOpts, gqlhttp.WithGraphiQL(cfg.GraphQLPath))
	}
	if s.factory != nil {
		handlerOpts = append(handlerOpts, gqlhttp.WithContextFactory(s.factory))
	}
	s.routes(gqlhttp.NewHandler(exec, handlerOpts...))
	return s, nil
}

func (s *Server) routes(graphql http.Handler) {
	// The GraphQL handler answers unsupported methods itself.
	s.router.Handle(s.cfg.GraphQLPath, graphql)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealth)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// UpdateCORS swaps the CORS policy served from now on.
func (s *Server) UpdateCORS(c config.CORSConfig) error {
	p, err := PolicyFromConfig(c)
	if err != nil {
		return err
	}
	s.policy.Store(&p)
	return nil
}

func (s *Server) corsPolicy() cors.Policy { return *s.policy.Load() }

// PolicyFromConfig converts the configured CORS section into a policy.
func PolicyFromConfig(c config.CORSConfig) (cors.Policy, error) {
	origins, err := cors.ParseOrigins(c.Origins)
	if err != nil {
		return cors.Policy{}, fmt.Errorf("cors origins: %w", err)
	}
	return cors.Policy{
		Origins:     origins,
		Credentials: c.Credentials,
		Methods:     c.Methods,
		Headers:     c.Headers,
		MaxAge:      c.MaxAge,
	}, nil
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Version: s.cfg.Version}
	status := http.StatusOK
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			resp.Status, resp.Error = "unavailable", err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Run listens on the configured address and serves until ctx is done, then
// shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv, err := s.prepare()
	if err != nil {
		_ = ln.Close()
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.serve(srv, ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Start serves on ln and blocks until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Start(ln net.Listener) error {
	srv, err := s.prepare()
	if err != nil {
		_ = ln.Close()
		return err
	}
	return s.serve(srv, ln)
}

func (s *Server) prepare() (*http.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return nil, errors.New("server already started")
	}
	base, cancel := context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	s.cancelBase = cancel
	return s.httpServer, nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) error {
	s.logger.Info().
		Str(log.FieldEvent, "server.started").
		Str("addr", ln.Addr().String()).
		Str(log.FieldPath, s.cfg.GraphQLPath).
		Msg("serving GraphQL")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Shutdown ends open subscription streams and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.httpServer, s.cancelBase
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info().Str(log.FieldEvent, "server.shutdown").Msg("shutting down server")
	// Request contexts derive from base; cancelling it ends open streams.
	cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
