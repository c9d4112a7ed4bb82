// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by the HTTP, stream and upstream spans.
const (
	GraphQLOperationTypeKey = "graphql.operation.type"
	GraphQLOperationNameKey = "graphql.operation.name"

	StreamMessagesKey = "sse.messages"
	StreamTopicKey    = "sse.topic"

	UpstreamURLKey     = "upstream.url"
	UpstreamAttemptKey = "upstream.attempt"

	ErrorTypeKey = "error.type"
)

// OperationAttributes describes a GraphQL operation. An empty name is
// reported as "anonymous".
func OperationAttributes(kind, name string) []attribute.KeyValue {
	if name == "" {
		name = "anonymous"
	}
	return []attribute.KeyValue{
		attribute.String(GraphQLOperationTypeKey, kind),
		attribute.String(GraphQLOperationNameKey, name),
	}
}

// UpstreamAttributes describes a forwarded call.
func UpstreamAttributes(url string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(UpstreamURLKey, url),
		attribute.Int(UpstreamAttemptKey, attempt),
	}
}

// ErrorAttributes classifies a failure without leaking its message.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ErrorTypeKey, errorType),
	}
}
