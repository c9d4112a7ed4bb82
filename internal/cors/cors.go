// SPDX-License-Identifier: MIT

// Package cors computes Cross-Origin Resource Sharing response headers.
package cors

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMethods are advertised on preflight when a Policy sets none.
var DefaultMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPut,
	http.MethodPost,
	http.MethodDelete,
	http.MethodOptions,
}

// OriginMatcher decides whether a request origin may be reflected.
// origin is lower-cased and trimmed.
type OriginMatcher interface {
	Match(r *http.Request, origin string) bool
}

type anyOrigin struct{}

func (anyOrigin) Match(*http.Request, string) bool { return true }

// Any allows every origin and makes the policy answer with "*".
func Any() OriginMatcher { return anyOrigin{} }

type exact string

func (e exact) Match(_ *http.Request, origin string) bool { return string(e) == origin }

// Exact allows a single origin, compared case-insensitively.
func Exact(origin string) OriginMatcher {
	return exact(strings.ToLower(strings.TrimSpace(origin)))
}

type pattern struct{ re *regexp.Regexp }

func (p pattern) Match(_ *http.Request, origin string) bool { return p.re.MatchString(origin) }

// Pattern allows origins matching re.
func Pattern(re *regexp.Regexp) OriginMatcher { return pattern{re: re} }

// Func adapts a request predicate.
type Func func(r *http.Request) bool

// Match implements OriginMatcher.
func (f Func) Match(r *http.Request, _ string) bool { return f(r) }

// ParseOrigins turns configuration strings into matchers. "*" becomes Any,
// entries wrapped in slashes ("/\.example\.com$/") become patterns, and the
// rest are exact origins.
func ParseOrigins(values []string) ([]OriginMatcher, error) {
	out := make([]OriginMatcher, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		switch {
		case v == "":
			continue
		case v == "*":
			out = append(out, Any())
		case len(v) > 2 && strings.HasPrefix(v, "/") && strings.HasSuffix(v, "/"):
			re, err := regexp.Compile(v[1 : len(v)-1])
			if err != nil {
				return nil, err
			}
			out = append(out, Pattern(re))
		default:
			out = append(out, Exact(v))
		}
	}
	return out, nil
}

// Policy describes the allowed cross-origin access. The zero value allows
// any origin without credentials.
type Policy struct {
	Origins     []OriginMatcher
	Credentials bool
	Methods     []string
	Headers     []string
	// MaxAge is sent in seconds on preflight when positive.
	MaxAge int
}

// Evaluate returns the headers for r and whether r is a preflight request.
func (p Policy) Evaluate(r *http.Request) (http.Header, bool) {
	preflight := r.Method == http.MethodOptions
	origin := strings.ToLower(strings.TrimSpace(r.Header.Get("Origin")))
	h := make(http.Header)

	if p.Credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	allow := p.allowOrigin(r, origin)
	if allow != "" {
		h.Set("Access-Control-Allow-Origin", allow)
	}
	if allow != "*" {
		h.Set("Vary", "Origin")
	}

	if !preflight {
		return h, false
	}

	if p.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(p.MaxAge))
	}
	methods := p.Methods
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))

	if len(p.Headers) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(p.Headers, ", "))
	} else if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
		h.Set("Access-Control-Allow-Headers", requested)
		h.Add("Vary", "Access-Control-Request-Headers")
	}
	return h, true
}

func (p Policy) allowOrigin(r *http.Request, origin string) string {
	if len(p.Origins) == 0 {
		return "*"
	}
	for _, m := range p.Origins {
		if _, ok := m.(anyOrigin); ok {
			return "*"
		}
	}
	if origin == "" {
		return ""
	}
	for _, m := range p.Origins {
		if m.Match(r, origin) {
			return origin
		}
	}
	return ""
}

// Apply copies the policy headers for r onto w and reports whether r is a
// preflight request.
func (p Policy) Apply(w http.ResponseWriter, r *http.Request) bool {
	h, preflight := p.Evaluate(r)
	dst := w.Header()
	for k, vs := range h {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	return preflight
}

// Middleware applies the policy returned by current to every request and
// answers preflight requests with 204. current is called per request so the
// policy can be swapped at runtime.
func Middleware(current func() Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if current().Apply(w, r) {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
