// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID   = "request_id"
	FieldLastEventID = "last_event_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Bus fields
	FieldTopic       = "topic"
	FieldSubscribers = "subscribers"

	// GraphQL fields
	FieldOperation     = "operation"
	FieldOperationName = "operation_name"

	// Network fields
	FieldPath     = "path"
	FieldMethod   = "method"
	FieldStatus   = "status"
	FieldUpstream = "upstream"
	FieldRetry    = "retry_ms"
	FieldAttempt  = "attempt"
)
