// SPDX-License-Identifier: MIT

// Package gqlhttp serves GraphQL over HTTP: single JSON responses for queries
// and mutations, Server-Sent-Events streams for subscriptions.
package gqlhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/flaregql/internal/cors"
	"github.com/ManuGH/flaregql/internal/log"
	"github.com/ManuGH/flaregql/internal/metrics"
	"github.com/ManuGH/flaregql/internal/sse"
	"github.com/ManuGH/flaregql/internal/telemetry"
)

// DefaultKeepAlive is the interval between keep-alive comments on a stream.
const DefaultKeepAlive = 15 * time.Second

// SSE event names of a subscription stream.
const (
	EventNext     = "next"
	EventComplete = "complete"
)

// ContextFactory derives the execution context for a request. Resolvers see
// the returned context as p.Context.
type ContextFactory func(ctx context.Context, r *http.Request) (context.Context, error)

// Handler is the GraphQL HTTP endpoint.
type Handler struct {
	exec      Executor
	cors      func() cors.Policy
	keepAlive time.Duration
	graphiql  bool
	endpoint  string
	factory   ContextFactory
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// Option configures a Handler.
type Option func(*Handler)

// WithCORS makes the handler answer preflight requests and decorate every
// response. Leave it unset when CORS is applied by a surrounding middleware.
func WithCORS(policy func() cors.Policy) Option {
	return func(h *Handler) { h.cors = policy }
}

// WithKeepAlive sets the keep-alive interval for streams; d <= 0 disables it.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) { h.keepAlive = d }
}

// WithGraphiQL serves the GraphiQL IDE to browsers; endpoint is the URL the
// IDE posts to.
func WithGraphiQL(endpoint string) Option {
	return func(h *Handler) {
		h.graphiql = true
		h.endpoint = endpoint
	}
}

// WithContextFactory installs f.
func WithContextFactory(f ContextFactory) Option {
	return func(h *Handler) { h.factory = f }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler returns a handler that runs requests through exec.
func NewHandler(exec Executor, opts ...Option) *Handler {
	h := &Handler{
		exec:      exec,
		keepAlive: DefaultKeepAlive,
		logger:    log.WithComponent("gqlhttp"),
		tracer:    telemetry.Tracer("github.com/ManuGH/flaregql/internal/gqlhttp"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cors != nil && h.cors().Apply(w, r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.graphiql && ShouldRenderGraphiQL(r) {
		renderGraphiQL(w, h.endpoint)
		return
	}

	req, err := ParseRequest(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrMethodNotAllowed) {
			status = http.StatusMethodNotAllowed
			w.Header().Set("Allow", "GET, POST")
		}
		writeResult(w, status, ErrorOutcome(status, err).Payload)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if h.factory != nil {
		ctx, err = h.factory(ctx, r)
		if err != nil {
			writeResult(w, http.StatusInternalServerError, ErrorOutcome(http.StatusInternalServerError, err).Payload)
			return
		}
	}

	out := h.exec.Process(ctx, req)
	for k, vs := range out.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if out.IsPush() {
		h.push(ctx, w, out)
		return
	}
	writeResult(w, out.Status, out.Payload)
}

// push streams every result as a "next" event and ends with "complete".
func (h *Handler) push(ctx context.Context, w http.ResponseWriter, out Outcome) {
	kind, name := KindSubscription, ""
	if out.Operation != nil {
		kind, name = out.Operation.Kind, out.Operation.Name
	}
	ctx, span := h.tracer.Start(ctx, "graphql.subscription", trace.WithAttributes(telemetry.OperationAttributes(kind, name)...))
	defer span.End()
	logger := log.WithContext(ctx, h.logger).With().Str(log.FieldOperationName, name).Logger()

	sw, err := sse.NewWriter(w)
	if err != nil {
		span.SetStatus(codes.Error, "stream unsupported")
		logger.Error().Err(err).Str(log.FieldEvent, "sse.unsupported").Msg("response writer cannot stream")
		return
	}

	metrics.SSEStreamsActive.Inc()
	defer metrics.SSEStreamsActive.Dec()
	logger.Debug().Str(log.FieldEvent, "sse.stream_open").Msg("subscription stream opened")

	var tick <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	sent := 0
	defer func() {
		span.SetAttributes(attribute.Int(telemetry.StreamMessagesKey, sent))
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Str(log.FieldEvent, "sse.client_gone").Int("messages", sent).Msg("subscription stream closed by client")
			return
		case <-tick:
			if err := sw.KeepAlive(); err != nil {
				return
			}
		case res, ok := <-out.Stream:
			if !ok {
				_ = sw.WriteMessage(sse.Message{Event: EventComplete})
				logger.Debug().Str(log.FieldEvent, "sse.stream_complete").Int("messages", sent).Msg("subscription completed")
				return
			}
			data, err := json.Marshal(res)
			if err != nil {
				span.SetStatus(codes.Error, "encode result")
				logger.Error().Err(err).Str(log.FieldEvent, "sse.encode_failed").Msg("failed to encode subscription result")
				return
			}
			if err := sw.WriteMessage(sse.Message{Event: EventNext, Data: string(data)}); err != nil {
				logger.Debug().Err(err).Str(log.FieldEvent, "sse.write_failed").Msg("subscription stream write failed")
				return
			}
			sent++
		}
	}
}

func writeResult(w http.ResponseWriter, status int, res *graphql.Result) {
	if res == nil {
		res = &graphql.Result{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
