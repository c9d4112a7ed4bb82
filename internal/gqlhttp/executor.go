// SPDX-License-Identifier: MIT

package gqlhttp

import (
	"context"
	"net/http"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
)

// Outcome is the result of processing one request: either a single response
// or, for subscriptions, a stream of results.
type Outcome struct {
	Operation *Operation

	// Status and Payload describe a single response.
	Status  int
	Header  http.Header
	Payload *graphql.Result

	// Stream is non-nil for a push response. It is closed when the
	// subscription completes. Consumers may stop reading once the context
	// passed to Process is done.
	Stream <-chan *graphql.Result
}

// IsPush reports whether the outcome must be streamed.
func (o Outcome) IsPush() bool { return o.Stream != nil }

// Executor turns a GraphQL request into an Outcome.
type Executor interface {
	Process(ctx context.Context, req Request) Outcome
}

// ErrorOutcome builds a single response carrying errs.
func ErrorOutcome(status int, errs ...error) Outcome {
	return Outcome{
		Status:  status,
		Payload: &graphql.Result{Errors: gqlerrors.FormatErrors(errs...)},
	}
}

// Local executes requests against an in-process schema.
type Local struct {
	Schema graphql.Schema
	// Root is passed to root resolvers as p.Source.
	Root map[string]any
}

// NewLocal returns an executor for schema.
func NewLocal(schema graphql.Schema) *Local {
	return &Local{Schema: schema}
}

// Process implements Executor.
func (l *Local) Process(ctx context.Context, req Request) Outcome {
	op, err := ParseOperation(req.Query, req.OperationName)
	if err != nil {
		return ErrorOutcome(http.StatusBadRequest, err)
	}
	if out, rejected := CheckTransport(op, req); rejected {
		return out
	}

	vr := graphql.ValidateDocument(&l.Schema, op.Document, nil)
	if !vr.IsValid {
		return Outcome{
			Operation: op,
			Status:    http.StatusBadRequest,
			Payload:   &graphql.Result{Errors: vr.Errors},
		}
	}

	if op.Kind == KindSubscription {
		results := graphql.Subscribe(graphql.Params{
			Schema:         l.Schema,
			RequestString:  req.Query,
			RootObject:     l.Root,
			VariableValues: req.Variables,
			OperationName:  req.OperationName,
			Context:        ctx,
		})
		return Outcome{Operation: op, Status: http.StatusOK, Stream: forward(ctx, results)}
	}

	res := graphql.Execute(graphql.ExecuteParams{
		Schema:        l.Schema,
		Root:          l.Root,
		AST:           op.Document,
		OperationName: req.OperationName,
		Args:          req.Variables,
		Context:       ctx,
	})
	return Outcome{Operation: op, Status: http.StatusOK, Payload: res}
}

// CheckTransport rejects operations the HTTP transport cannot carry.
func CheckTransport(op *Operation, req Request) (Outcome, bool) {
	if op.Incremental {
		out := ErrorOutcome(http.StatusMethodNotAllowed, errIncremental)
		out.Operation = op
		return out, true
	}
	if op.Kind == KindMutation && req.Method == http.MethodGet {
		out := ErrorOutcome(http.StatusMethodNotAllowed, errMutationViaGet)
		out.Operation = op
		out.Header = http.Header{"Allow": {http.MethodPost}}
		return out, true
	}
	return Outcome{}, false
}

// forward copies engine results until the engine closes its channel. Once
// ctx is done results are drained and dropped, so the engine goroutine never
// blocks on a reader that went away.
func forward(ctx context.Context, in <-chan *graphql.Result) <-chan *graphql.Result {
	out := make(chan *graphql.Result)
	go func() {
		defer close(out)
		for res := range in {
			select {
			case out <- res:
			case <-ctx.Done():
			}
		}
	}()
	return out
}
