// SPDX-License-Identifier: MIT

package gqlhttp

import (
	"strings"

	"github.com/graphql-go/graphql"
)

// FieldMiddleware wraps a field resolver. p.Info identifies the field.
type FieldMiddleware func(next graphql.FieldResolveFn) graphql.FieldResolveFn

// ApplyMiddleware wraps the resolver of every field of every object type in
// schema, introspection types excepted. The first middleware is the
// outermost. Fields without a resolver are wrapped around the default
// property resolver. Subscription event streams are not wrapped; their
// per-event resolvers are.
func ApplyMiddleware(schema graphql.Schema, mws ...FieldMiddleware) graphql.Schema {
	if len(mws) == 0 {
		return schema
	}
	for name, typ := range schema.TypeMap() {
		if strings.HasPrefix(name, "__") {
			continue
		}
		obj, ok := typ.(*graphql.Object)
		if !ok {
			continue
		}
		for _, field := range obj.Fields() {
			next := field.Resolve
			if next == nil {
				next = graphql.DefaultResolveFn
			}
			for i := len(mws) - 1; i >= 0; i-- {
				next = mws[i](next)
			}
			field.Resolve = next
		}
	}
	return schema
}
