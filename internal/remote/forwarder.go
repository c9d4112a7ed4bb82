// SPDX-License-Identifier: MIT

// Package remote executes GraphQL operations on upstream nodes. Queries and
// mutations are forwarded as single requests; subscriptions are re-streamed
// through the resilient event source client.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ManuGH/flaregql/internal/eventsource"
	"github.com/ManuGH/flaregql/internal/gqlhttp"
	"github.com/ManuGH/flaregql/internal/log"
	"github.com/ManuGH/flaregql/internal/metrics"
	"github.com/ManuGH/flaregql/internal/resilience"
	"github.com/ManuGH/flaregql/internal/sse"
	"github.com/ManuGH/flaregql/internal/telemetry"
)

// Reconnect budget defaults: a burst of five, then one attempt per second.
const (
	DefaultReconnectBurst = 5
	DefaultReconnectRate  = rate.Limit(1)
)

const maxResponseBytes = 8 << 20

// ErrReconnectBudget ends a subscription that failed too often.
var ErrReconnectBudget = errors.New("upstream reconnect budget exhausted")

// errUpstream is what the client sees when the upstream cannot answer.
var errUpstream = errors.New("upstream unavailable")

// errServerStatus marks a 5xx answer as a breaker failure.
var errServerStatus = errors.New("upstream server error")

// Forwarder implements gqlhttp.Executor against upstream GraphQL endpoints.
type Forwarder struct {
	Doer     eventsource.Doer
	Selector Selector
	// ForwardHeaders are copied from the incoming request.
	ForwardHeaders []string
	// Retry is the initial reconnect delay of subscription streams.
	Retry          time.Duration
	ReconnectRate  rate.Limit
	ReconnectBurst int
	// Breakers guard single requests per upstream URL. Nil disables them.
	Breakers *resilience.Set
	Logger   *zerolog.Logger
}

// NewForwarder returns a forwarder routing with sel over doer. A nil doer
// selects http.DefaultClient.
func NewForwarder(sel Selector, doer eventsource.Doer) *Forwarder {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Forwarder{
		Doer:           doer,
		Selector:       sel,
		ForwardHeaders: []string{"Authorization"},
		ReconnectRate:  DefaultReconnectRate,
		ReconnectBurst: DefaultReconnectBurst,
		Breakers:       resilience.NewSet(resilience.DefaultThreshold, resilience.DefaultResetTimeout),
	}
}

type wireRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// Process implements gqlhttp.Executor.
func (f *Forwarder) Process(ctx context.Context, req gqlhttp.Request) gqlhttp.Outcome {
	op, err := gqlhttp.ParseOperation(req.Query, req.OperationName)
	if err != nil {
		return gqlhttp.ErrorOutcome(http.StatusBadRequest, err)
	}
	if out, rejected := gqlhttp.CheckTransport(op, req); rejected {
		return out
	}

	url, err := f.Selector.Select(req)
	if err != nil {
		metrics.IncUpstream(op.Kind, "unrouted")
		out := gqlhttp.ErrorOutcome(http.StatusBadGateway, errUpstream)
		out.Operation = op
		return out
	}

	body, err := json.Marshal(wireRequest{
		Query:         req.Query,
		Variables:     req.Variables,
		OperationName: req.OperationName,
		Extensions:    req.Extensions,
	})
	if err != nil {
		out := gqlhttp.ErrorOutcome(http.StatusBadRequest, fmt.Errorf("encode request: %w", err))
		out.Operation = op
		return out
	}

	header := make(http.Header)
	for _, name := range f.ForwardHeaders {
		if v := req.Header.Values(name); len(v) > 0 {
			header[http.CanonicalHeaderKey(name)] = append([]string(nil), v...)
		}
	}
	header.Set("Content-Type", "application/json")

	if op.Kind == gqlhttp.KindSubscription {
		return gqlhttp.Outcome{
			Operation: op,
			Status:    http.StatusOK,
			Stream:    f.stream(ctx, op, url, header, body),
		}
	}
	out := f.single(ctx, op, url, header, body)
	out.Operation = op
	return out
}

func (f *Forwarder) single(ctx context.Context, op *gqlhttp.Operation, url string, header http.Header, body []byte) gqlhttp.Outcome {
	ctx, span := telemetry.Tracer("github.com/ManuGH/flaregql/internal/remote").Start(ctx, "graphql.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.OperationAttributes(op.Kind, op.Name)...),
		trace.WithAttributes(telemetry.UpstreamAttributes(url, 1)...),
	)
	defer span.End()
	logger := f.logger(ctx).With().Str(log.FieldUpstream, url).Str(log.FieldOperation, op.Kind).Logger()

	fail := func(outcome string, err error) gqlhttp.Outcome {
		metrics.IncUpstream(op.Kind, outcome)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		span.SetAttributes(telemetry.ErrorAttributes(outcome)...)
		logger.Warn().Err(err).Str(log.FieldEvent, "upstream.failed").Msg("forwarded operation failed")
		return gqlhttp.ErrorOutcome(http.StatusBadGateway, errUpstream)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fail("request", err)
	}
	httpReq.Header = header.Clone()
	httpReq.Header.Set("Accept", "application/json")

	resp, err := f.do(url, httpReq)
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fail("circuit_open", err)
	case err != nil && !errors.Is(err, errServerStatus):
		return fail("transport", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var res graphql.Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&res); err != nil {
		return fail("decode", fmt.Errorf("decode %s response: %w", resp.Status, err))
	}
	metrics.IncUpstream(op.Kind, "ok")

	out := gqlhttp.Outcome{Status: resp.StatusCode, Payload: &res}
	if allow := resp.Header.Get("Allow"); allow != "" {
		out.Header = http.Header{"Allow": {allow}}
	}
	return out
}

// do sends req through the breaker of url. A 5xx answer is returned together
// with errServerStatus.
func (f *Forwarder) do(url string, req *http.Request) (*http.Response, error) {
	if f.Breakers == nil {
		return f.Doer.Do(req)
	}
	var resp *http.Response
	err := f.Breakers.Get(url).Execute(func() error {
		var err error
		if resp, err = f.Doer.Do(req); err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return errServerStatus
		}
		return nil
	})
	return resp, err
}

// stream re-emits the upstream subscription. Every "next" message becomes a
// result; "complete", a normal close or a fatal error ends the channel.
func (f *Forwarder) stream(ctx context.Context, op *gqlhttp.Operation, url string, header http.Header, body []byte) <-chan *graphql.Result {
	out := make(chan *graphql.Result)

	ctx, cancel := context.WithCancel(ctx)
	budget := rate.NewLimiter(f.reconnectRate(), f.reconnectBurst())
	logger := f.logger(ctx).With().Str(log.FieldUpstream, url).Str(log.FieldOperationName, op.Name).Logger()
	client := &eventsource.Client{Doer: f.Doer, DefaultRetry: f.Retry, Logger: &logger}

	send := func(res *graphql.Result) {
		select {
		case out <- res:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(out)
		defer cancel()

		ctx, span := telemetry.Tracer("github.com/ManuGH/flaregql/internal/remote").Start(ctx, "graphql.forward.subscription",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(telemetry.OperationAttributes(op.Kind, op.Name)...),
		)
		defer span.End()

		attempt := 0
		err := client.Connect(ctx, eventsource.Request{
			Method: http.MethodPost,
			URL:    url,
			Header: header,
			Body:   body,
		}, eventsource.Handlers{
			OnOpen: func(*http.Response) error {
				attempt++
				span.SetAttributes(telemetry.UpstreamAttributes(url, attempt)...)
				return nil
			},
			OnMessage: func(m sse.Message) {
				switch m.Event {
				case gqlhttp.EventComplete:
					cancel()
				case gqlhttp.EventNext:
					var res graphql.Result
					if err := json.Unmarshal([]byte(m.Data), &res); err != nil {
						logger.Warn().Err(err).Str(log.FieldEvent, "upstream.bad_event").Msg("dropping undecodable upstream event")
						return
					}
					send(&res)
				}
			},
			OnError: func(err error) (time.Duration, error) {
				if errors.Is(err, eventsource.ErrUnexpectedStatus) || errors.Is(err, eventsource.ErrUnexpectedContentType) {
					return 0, err
				}
				if !budget.Allow() {
					return 0, fmt.Errorf("%w: %v", ErrReconnectBudget, err)
				}
				return 0, nil
			},
		})
		if err != nil {
			metrics.IncUpstream(op.Kind, "error")
			span.RecordError(err)
			span.SetStatus(codes.Error, "upstream stream failed")
			logger.Warn().Err(err).Str(log.FieldEvent, "upstream.stream_failed").Msg("upstream subscription ended with error")
			send(gqlhttp.ErrorOutcome(http.StatusBadGateway, errUpstream).Payload)
			return
		}
		metrics.IncUpstream(op.Kind, "ok")
	}()
	return out
}

func (f *Forwarder) reconnectRate() rate.Limit {
	if f.ReconnectRate > 0 {
		return f.ReconnectRate
	}
	return DefaultReconnectRate
}

func (f *Forwarder) reconnectBurst() int {
	if f.ReconnectBurst > 0 {
		return f.ReconnectBurst
	}
	return DefaultReconnectBurst
}

func (f *Forwarder) logger(ctx context.Context) zerolog.Logger {
	if f.Logger != nil {
		return log.WithContext(ctx, *f.Logger)
	}
	return log.WithComponentFromContext(ctx, "remote")
}
