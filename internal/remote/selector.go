// SPDX-License-Identifier: MIT

package remote

import (
	"errors"
	"fmt"

	farm "github.com/dgryski/go-farm"

	"github.com/ManuGH/flaregql/internal/gqlhttp"
)

// ErrNoUpstream is returned when a selector has nowhere to route a request.
var ErrNoUpstream = errors.New("no upstream configured")

// Selector picks the upstream URL for a request.
type Selector interface {
	Select(req gqlhttp.Request) (string, error)
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(req gqlhttp.Request) (string, error)

// Select implements Selector.
func (f SelectorFunc) Select(req gqlhttp.Request) (string, error) { return f(req) }

// Static routes every request to url.
func Static(url string) Selector {
	return SelectorFunc(func(gqlhttp.Request) (string, error) {
		if url == "" {
			return "", ErrNoUpstream
		}
		return url, nil
	})
}

// ByVariable shards requests over upstreams by the fingerprint of the named
// variable, so every operation about the same key reaches the same node.
// Requests without the variable go to the first upstream.
func ByVariable(name string, upstreams []string) Selector {
	nodes := append([]string(nil), upstreams...)
	return SelectorFunc(func(req gqlhttp.Request) (string, error) {
		if len(nodes) == 0 {
			return "", ErrNoUpstream
		}
		v, ok := req.Variables[name]
		if !ok || v == nil {
			return nodes[0], nil
		}
		return nodes[Shard(fmt.Sprint(v), len(nodes))], nil
	})
}

// Shard maps key onto one of n buckets.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(farm.Fingerprint64([]byte(key)) % uint64(n))
}
