// SPDX-License-Identifier: MIT

package gqlhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// MaxBodyBytes caps POST bodies.
const MaxBodyBytes = 1 << 20

var (
	// ErrMethodNotAllowed is returned for methods other than GET and POST and
	// for mutations sent with GET.
	ErrMethodNotAllowed = errors.New("method not allowed")
	// ErrBadRequest marks a request whose GraphQL parameters cannot be read.
	ErrBadRequest = errors.New("bad request")

	errMutationViaGet = fmt.Errorf("%w: can only perform a mutation operation from a POST request", ErrMethodNotAllowed)
	errIncremental    = fmt.Errorf("%w: @stream and @defer directives are not supported", ErrMethodNotAllowed)
)

// Request holds the GraphQL parameters of one HTTP request.
type Request struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`

	// Method and Header come from the HTTP request and are not serialised.
	Method string      `json:"-"`
	Header http.Header `json:"-"`
}

// AcceptsEventStream reports whether the client asked for text/event-stream.
func (r Request) AcceptsEventStream() bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// ParseRequest reads the GraphQL parameters from the query string (GET) or
// the body (POST, application/json or application/graphql).
func ParseRequest(r *http.Request) (Request, error) {
	req := Request{Method: r.Method, Header: r.Header}

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		req.Query = q.Get("query")
		req.OperationName = q.Get("operationName")
		if err := decodeParam(q.Get("variables"), &req.Variables); err != nil {
			return req, fmt.Errorf("%w: variables are invalid JSON: %v", ErrBadRequest, err)
		}
		if err := decodeParam(q.Get("extensions"), &req.Extensions); err != nil {
			return req, fmt.Errorf("%w: extensions are invalid JSON: %v", ErrBadRequest, err)
		}
		return req, nil

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
		if err != nil {
			return req, fmt.Errorf("%w: read body: %v", ErrBadRequest, err)
		}
		if len(body) > MaxBodyBytes {
			return req, fmt.Errorf("%w: body exceeds %d bytes", ErrBadRequest, MaxBodyBytes)
		}

		mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mt == "application/graphql" {
			req.Query = string(body)
		} else if len(body) > 0 {
			var payload Request
			if err := json.Unmarshal(body, &payload); err != nil {
				return req, fmt.Errorf("%w: body is invalid JSON: %v", ErrBadRequest, err)
			}
			req.Query = payload.Query
			req.Variables = payload.Variables
			req.OperationName = payload.OperationName
			req.Extensions = payload.Extensions
		}
		// Query string parameters fill what the body left out.
		q := r.URL.Query()
		if req.Query == "" {
			req.Query = q.Get("query")
		}
		if req.OperationName == "" {
			req.OperationName = q.Get("operationName")
		}
		return req, nil

	default:
		return req, fmt.Errorf("%w: %s", ErrMethodNotAllowed, r.Method)
	}
}

func decodeParam(raw string, dst *map[string]any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

// ShouldRenderGraphiQL reports whether r is a browser navigation to the
// endpoint: a GET that accepts text/html and carries no query.
func ShouldRenderGraphiQL(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.URL.Query().Get("query") != "" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
