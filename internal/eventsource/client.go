// SPDX-License-Identifier: MIT

// Package eventsource keeps a logical subscription to a text/event-stream
// endpoint alive across transient failures. Retry policy belongs to the
// caller: the client provides the loop, the OnError handler decides.
package eventsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/flaregql/internal/log"
	"github.com/ManuGH/flaregql/internal/metrics"
	"github.com/ManuGH/flaregql/internal/sse"
)

// DefaultRetry is the reconnect delay used until the server advertises one.
const DefaultRetry = time.Second

const lastEventIDHeader = "Last-Event-ID"

var (
	// ErrUnexpectedStatus is returned for a non-2xx response.
	ErrUnexpectedStatus = errors.New("unexpected response status")
	// ErrUnexpectedContentType is returned when the response is not an event stream.
	ErrUnexpectedContentType = errors.New("unexpected response content type")
)

// Doer performs HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Request describes the stream endpoint. Body is re-sent on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Handlers receive stream events. All of them are optional and are called
// from the goroutine running Connect.
type Handlers struct {
	// OnOpen is called for every accepted response before its body is read.
	// A returned error is handled like a transport failure.
	OnOpen func(*http.Response) error
	// OnMessage is called once per decoded message, pings included.
	OnMessage func(sse.Message)
	// OnClose is called when the server ends the stream normally.
	OnClose func()
	// OnError decides about a failed attempt. Returning an error stops the
	// client and Connect returns that error. A delay <= 0 selects the current
	// retry interval. A nil OnError retries forever.
	OnError func(err error) (time.Duration, error)
}

// Client opens resilient event stream connections.
type Client struct {
	Doer         Doer
	DefaultRetry time.Duration
	Logger       *zerolog.Logger
}

// Connect streams req until the server closes the stream, OnError gives up,
// or ctx is done. Cancellation is not a failure: Connect returns nil.
func (c *Client) Connect(ctx context.Context, req Request, h Handlers) error {
	logger := c.logger(ctx).With().Str(log.FieldUpstream, req.URL).Logger()

	header := req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Accept") == "" {
		header.Set("Accept", sse.ContentType)
	}

	retry := c.DefaultRetry
	if retry <= 0 {
		retry = DefaultRetry
	}

	for attempt := 1; ; attempt++ {
		dec := &sse.Decoder{
			OnID: func(id string) {
				if id != "" {
					header.Set(lastEventIDHeader, id)
				} else {
					header.Del(lastEventIDHeader)
				}
			},
			OnRetry: func(d time.Duration) { retry = d },
		}

		err := c.attempt(ctx, req, header, dec, h)
		if ctx.Err() != nil {
			logger.Debug().Str(log.FieldEvent, "eventsource.aborted").Msg("event stream cancelled")
			return nil
		}
		if err == nil {
			logger.Debug().Str(log.FieldEvent, "eventsource.closed").Msg("event stream closed by server")
			if h.OnClose != nil {
				h.OnClose()
			}
			return nil
		}

		delay := retry
		if h.OnError != nil {
			d, fatal := h.OnError(err)
			if fatal != nil {
				logger.Warn().
					Err(err).
					Str(log.FieldEvent, "eventsource.failed").
					Int(log.FieldAttempt, attempt).
					Msg("event stream given up")
				return fatal
			}
			if d > 0 {
				delay = d
			}
		}

		metrics.EventSourceReconnectsTotal.Inc()
		logger.Info().
			Err(err).
			Str(log.FieldEvent, "eventsource.retry").
			Int(log.FieldAttempt, attempt).
			Int64(log.FieldRetry, delay.Milliseconds()).
			Str(log.FieldLastEventID, header.Get(lastEventIDHeader)).
			Msg("event stream interrupted, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) attempt(ctx context.Context, req Request, header http.Header, dec *sse.Decoder, h Handlers) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header = header.Clone()

	resp, err := c.doer().Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, perr := mime.ParseMediaType(ct)
		if perr != nil || mt != sse.ContentType {
			return fmt.Errorf("%w: %q", ErrUnexpectedContentType, ct)
		}
	}
	if h.OnOpen != nil {
		if err := h.OnOpen(resp); err != nil {
			return err
		}
	}

	return sse.Decode(ctx, resp.Body, dec, func(m sse.Message) error {
		if h.OnMessage != nil {
			h.OnMessage(m)
		}
		return nil
	})
}

func (c *Client) doer() Doer {
	if c.Doer != nil {
		return c.Doer
	}
	return http.DefaultClient
}

func (c *Client) logger(ctx context.Context) zerolog.Logger {
	if c.Logger != nil {
		return log.WithContext(ctx, *c.Logger)
	}
	return log.WithComponentFromContext(ctx, "eventsource")
}
