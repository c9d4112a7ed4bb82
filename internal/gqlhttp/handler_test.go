// SPDX-License-Identifier: MIT

package gqlhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/flaregql/internal/cors"
	"github.com/ManuGH/flaregql/internal/pubsub"
	"github.com/ManuGH/flaregql/internal/sse"
)

type colorKey struct{}

type fixture struct {
	bus     *pubsub.Bus
	counter *Subscription
	schema  graphql.Schema
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{bus: pubsub.New()}
	initial := 0
	f.counter = NewSubscription(f.bus, SubscriptionConfig{
		Topic:        "COUNTER",
		InitialValue: func(graphql.ResolveParams) (any, error) { return initial, nil },
		Resolve: func(_ graphql.ResolveParams, v any) (any, error) {
			if v == "boom" {
				return nil, errors.New("counter exploded")
			}
			return v, nil
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name: "Query",
			Fields: graphql.Fields{
				"hello": &graphql.Field{
					Type:    graphql.String,
					Resolve: func(graphql.ResolveParams) (any, error) { return "world", nil },
				},
				"color": &graphql.Field{
					Type: graphql.String,
					Resolve: func(p graphql.ResolveParams) (any, error) {
						c, _ := p.Context.Value(colorKey{}).(string)
						return c, nil
					},
				},
				"echo": &graphql.Field{
					Type: graphql.String,
					Args: graphql.FieldConfigArgument{
						"text": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					},
					Resolve: func(p graphql.ResolveParams) (any, error) {
						var args struct {
							Text string `json:"text"`
						}
						if err := Arguments(p, &args); err != nil {
							return nil, err
						}
						return args.Text, nil
					},
				},
			},
		}),
		Mutation: graphql.NewObject(graphql.ObjectConfig{
			Name: "Mutation",
			Fields: graphql.Fields{
				"bump": &graphql.Field{
					Type: graphql.Int,
					Resolve: func(graphql.ResolveParams) (any, error) {
						initial++
						f.counter.Emit(initial)
						return initial, nil
					},
				},
			},
		}),
		Subscription: graphql.NewObject(graphql.ObjectConfig{
			Name: "Subscription",
			Fields: graphql.Fields{
				"counter": &graphql.Field{
					Type:      graphql.Int,
					Subscribe: f.counter.Subscribe,
					Resolve:   f.counter.Resolve,
				},
			},
		}),
	})
	require.NoError(t, err)
	f.schema = schema
	return f
}

func (f *fixture) handler(opts ...Option) http.Handler {
	return NewHandler(NewLocal(f.schema), opts...)
}

func postJSON(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandlerQueryOverPost(t *testing.T) {
	f := newFixture(t)
	w := postJSON(t, f.handler(), `{"query":"{ hello }"}`)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	require.JSONEq(t, `{"data":{"hello":"world"}}`, w.Body.String())
}

func TestHandlerQueryOverGetWithVariables(t *testing.T) {
	f := newFixture(t)
	q := url.Values{
		"query":     {`query Echo($t: String!) { echo(text: $t) }`},
		"variables": {`{"t":"ping"}`},
	}
	r := httptest.NewRequest(http.MethodGet, "/graphql?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	f.handler().ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":{"echo":"ping"}}`, w.Body.String())
}

func TestHandlerRejectsMutationOverGet(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodGet, "/graphql?query="+url.QueryEscape("mutation { bump }"), nil)
	w := httptest.NewRecorder()
	f.handler().ServeHTTP(w, r)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Equal(t, "POST", w.Header().Get("Allow"))
	errs := decodeBody(t, w)["errors"].([]any)
	require.Contains(t, errs[0].(map[string]any)["message"], "mutation")
}

func TestHandlerMutationOverPost(t *testing.T) {
	f := newFixture(t)
	w := postJSON(t, f.handler(), `{"query":"mutation { bump }"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":{"bump":1}}`, w.Body.String())
}

func TestHandlerRequestErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{name: "syntax error", method: http.MethodPost, body: `{"query":"{ hello"}`, status: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, body: `{"query":"{ nope }"}`, status: http.StatusBadRequest},
		{name: "invalid json", method: http.MethodPost, body: `{"query":`, status: http.StatusBadRequest},
		{name: "missing query", method: http.MethodPost, body: `{}`, status: http.StatusBadRequest},
		{name: "ambiguous operation", method: http.MethodPost, body: `{"query":"query A { hello } query B { hello }"}`, status: http.StatusBadRequest},
		{name: "defer is not supported", method: http.MethodPost, body: `{"query":"{ hello @defer }"}`, status: http.StatusMethodNotAllowed},
		{name: "unsupported method", method: http.MethodPut, body: `{"query":"{ hello }"}`, status: http.StatusMethodNotAllowed},
	}

	f := newFixture(t)
	h := f.handler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/graphql", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			require.Equal(t, tt.status, w.Code)
			body := decodeBody(t, w)
			require.NotEmpty(t, body["errors"])
		})
	}
}

func TestHandlerContextFactory(t *testing.T) {
	f := newFixture(t)
	h := f.handler(WithContextFactory(func(ctx context.Context, _ *http.Request) (context.Context, error) {
		return context.WithValue(ctx, colorKey{}, "papaya"), nil
	}))
	w := postJSON(t, h, `{"query":"{ color }"}`)
	require.JSONEq(t, `{"data":{"color":"papaya"}}`, w.Body.String())

	failing := f.handler(WithContextFactory(func(context.Context, *http.Request) (context.Context, error) {
		return nil, errors.New("no session")
	}))
	w = postJSON(t, failing, `{"query":"{ color }"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandlerRendersGraphiQL(t *testing.T) {
	f := newFixture(t)
	h := f.handler(WithGraphiQL("/graphql"))

	r := httptest.NewRequest(http.MethodGet, "/graphql", nil)
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Header().Get("Content-Type"), "text/html")
	require.Contains(t, w.Body.String(), "GraphiQL")

	// Without the option the request is treated as GraphQL.
	w = httptest.NewRecorder()
	f.handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlerCORS(t *testing.T) {
	f := newFixture(t)
	policy := cors.Policy{Origins: []cors.OriginMatcher{cors.Exact("http://graphql.local")}, Credentials: true}
	h := f.handler(WithCORS(func() cors.Policy { return policy }))

	pre := httptest.NewRequest(http.MethodOptions, "/graphql", nil)
	pre.Header.Set("Origin", "http://graphql.local")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, pre)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "http://graphql.local", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET, HEAD, PUT, POST, DELETE, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))

	r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ hello }"}`))
	r.Header.Set("Origin", "http://graphql.local")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "http://graphql.local", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

type streamReader struct {
	msgs chan sse.Message
	done chan error
}

func openStream(t *testing.T, ctx context.Context, srv *httptest.Server, query string) *streamReader {
	t.Helper()
	body, err := json.Marshal(Request{Query: query})
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, strings.NewReader(string(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, sse.ContentType, resp.Header.Get("Content-Type"))

	sr := &streamReader{msgs: make(chan sse.Message, 16), done: make(chan error, 1)}
	go func() {
		defer resp.Body.Close()
		sr.done <- sse.Decode(ctx, resp.Body, &sse.Decoder{SkipKeepAlive: true}, func(m sse.Message) error {
			sr.msgs <- m
			return nil
		})
	}()
	return sr
}

func (sr *streamReader) next(t *testing.T) sse.Message {
	t.Helper()
	select {
	case m := <-sr.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream message")
		return sse.Message{}
	}
}

func TestHandlerStreamsSubscription(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	srv := httptest.NewServer(f.handler(WithKeepAlive(10 * time.Millisecond)))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := openStream(t, ctx, srv, "subscription { counter }")

	m := stream.next(t)
	require.Equal(t, "next", m.Event)
	require.JSONEq(t, `{"data":{"counter":0}}`, m.Data)

	require.Eventually(t, func() bool { return f.bus.Subscribers("COUNTER") == 1 }, time.Second, 5*time.Millisecond)
	f.counter.Emit(7)
	m = stream.next(t)
	require.JSONEq(t, `{"data":{"counter":7}}`, m.Data)

	f.counter.Complete("COUNTER")
	m = stream.next(t)
	require.Equal(t, sse.Message{Event: "complete"}, m)

	select {
	case err := <-stream.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after complete")
	}
	require.Eventually(t, func() bool { return f.bus.Subscribers("COUNTER") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandlerSubscriptionResolveErrorEndsStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := openStream(t, ctx, srv, "subscription { counter }")
	stream.next(t)

	require.Eventually(t, func() bool { return f.bus.Subscribers("COUNTER") == 1 }, time.Second, 5*time.Millisecond)
	f.counter.Emit("boom")

	m := stream.next(t)
	require.Equal(t, "next", m.Event)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(m.Data), &res))
	errs := res["errors"].([]any)
	assert.Equal(t, "counter exploded", errs[0].(map[string]any)["message"])

	require.Equal(t, "complete", stream.next(t).Event)
	require.Equal(t, 0, f.bus.Subscribers("COUNTER"))
}

func TestHandlerClientDisconnectReleasesSubscription(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream := openStream(t, ctx, srv, "subscription { counter }")
	stream.next(t)
	require.Eventually(t, func() bool { return f.bus.Subscribers("COUNTER") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-stream.done
	require.Eventually(t, func() bool { return f.bus.Subscribers("COUNTER") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamKeepAliveIsWritten(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler(WithKeepAlive(5 * time.Millisecond)))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body := strings.NewReader(`{"query":"subscription { counter }"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, body)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 0, 256)
	chunk := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(string(buf), ":\n\n") && time.Now().Before(deadline) {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err == io.EOF {
			break
		}
	}
	require.Contains(t, string(buf), ":\n\n")
}
