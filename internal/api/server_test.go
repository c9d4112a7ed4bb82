// SPDX-License-Identifier: MIT

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/flaregql/internal/config"
	"github.com/ManuGH/flaregql/internal/demo"
	"github.com/ManuGH/flaregql/internal/gqlhttp"
	"github.com/ManuGH/flaregql/internal/pubsub"
)

func newServer(t *testing.T, mutate func(*config.AppConfig), opts ...Option) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Version = "test"
	if mutate != nil {
		mutate(&cfg)
	}
	schema, err := demo.NewSchema(pubsub.New(), nil, demo.NewMemoryCounter())
	require.NoError(t, err)
	s, err := New(cfg, gqlhttp.NewLocal(schema), opts...)
	require.NoError(t, err)
	return s
}

func post(t *testing.T, h http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServerServesGraphQL(t *testing.T) {
	s := newServer(t, nil)
	w := post(t, s.Handler(), `{"query":"mutation { upvote(articleId: \"1\") }"}`, map[string]string{"Origin": "https://any.test"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"upvote":1}}`, w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServerHealth(t *testing.T) {
	s := newServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","version":"test"}`, w.Body.String())

	s = newServer(t, nil, WithReadiness(func(context.Context) error { return errors.New("redis down") }))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"status":"unavailable","version":"test","error":"redis down"}`, w.Body.String())
}

func TestServerExposesMetrics(t *testing.T) {
	s := newServer(t, nil)
	post(t, s.Handler(), `{"query":"{ upvotes(articleId: \"1\") }"}`, nil)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "flaregql_http_request_duration_seconds")
	assert.Contains(t, w.Body.String(), `path="/graphql"`)
}

func TestServerCORSPolicyCanBeSwapped(t *testing.T) {
	s := newServer(t, func(c *config.AppConfig) { c.CORS.Origins = []string{"https://old.test"} })
	origin := func(o string) string {
		w := post(t, s.Handler(), `{"query":"{ upvotes(articleId: \"1\") }"}`, map[string]string{"Origin": o})
		return w.Header().Get("Access-Control-Allow-Origin")
	}

	assert.Equal(t, "https://old.test", origin("https://old.test"))
	assert.Empty(t, origin("https://new.test"))

	require.NoError(t, s.UpdateCORS(config.CORSConfig{Origins: []string{"https://new.test"}}))
	assert.Equal(t, "https://new.test", origin("https://new.test"))
	assert.Empty(t, origin("https://old.test"))

	require.Error(t, s.UpdateCORS(config.CORSConfig{Origins: []string{"/([/"}}))
	assert.Equal(t, "https://new.test", origin("https://new.test"), "invalid policy is not applied")
}

func TestServerRateLimit(t *testing.T) {
	s := newServer(t, func(c *config.AppConfig) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, Requests: 2, Window: time.Minute}
	})
	body := `{"query":"{ upvotes(articleId: \"1\") }"}`
	assert.Equal(t, http.StatusOK, post(t, s.Handler(), body, nil).Code)
	assert.Equal(t, http.StatusOK, post(t, s.Handler(), body, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, s.Handler(), body, nil).Code)
}

func TestServerShutdownEndsStreams(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := newServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()

	req, err := http.NewRequest(http.MethodPost, "http://"+ln.Addr().String()+"/graphql",
		strings.NewReader(`{"query":"subscription { upvotes(articleId: \"1\") }"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: next\n", line)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &res))
	require.Equal(t, map[string]any{"data": map[string]any{"upvotes": float64(0)}}, res)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown blocked by open stream")
	}
	_, _ = io.Copy(io.Discard, br)
}

func TestServerRunFailsOnBadAddress(t *testing.T) {
	s := newServer(t, func(c *config.AppConfig) { c.ListenAddr = "127.0.0.1:99999" })
	require.Error(t, s.Run(context.Background()))
}

func TestServerStartsOnce(t *testing.T) {
	s := newServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.httpServer != nil
	}, time.Second, 5*time.Millisecond)

	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.Error(t, s.Start(ln2))

	cancel()
	require.NoError(t, <-done)
}
