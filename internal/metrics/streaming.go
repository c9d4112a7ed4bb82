// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SSEStreamsActive tracks subscription streams currently held open by the server.
	SSEStreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flaregql_sse_streams_active",
		Help: "Current number of open Server-Sent-Events subscription streams",
	})

	// SSEMessagesTotal counts SSE messages by direction ("out" written, "in" decoded).
	SSEMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flaregql_sse_messages_total",
		Help: "Total number of Server-Sent-Events messages written or decoded",
	}, []string{"direction"})

	// EventSourceReconnectsTotal counts retry attempts made by the resilient client.
	EventSourceReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flaregql_eventsource_reconnects_total",
		Help: "Total number of event source reconnect attempts",
	})

	// UpstreamRequestsTotal counts forwarded operations by kind and outcome.
	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flaregql_upstream_requests_total",
		Help: "Total number of operations forwarded to upstream nodes",
	}, []string{"kind", "outcome"})

	// RelayMessagesTotal counts envelopes moved through the Redis relay.
	RelayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flaregql_relay_messages_total",
		Help: "Total number of bus envelopes relayed through Redis",
	}, []string{"direction", "outcome"})
)

// IncSSEMessage records one SSE message in the given direction.
func IncSSEMessage(direction string) {
	SSEMessagesTotal.WithLabelValues(direction).Inc()
}

// IncUpstream records one forwarded operation.
func IncUpstream(kind, outcome string) {
	UpstreamRequestsTotal.WithLabelValues(kind, outcome).Inc()
}

// IncRelay records one relayed envelope.
func IncRelay(direction, outcome string) {
	RelayMessagesTotal.WithLabelValues(direction, outcome).Inc()
}

var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flaregql_upstream_breaker_state",
		Help: "Circuit breaker state per upstream (1 for the active state)",
	}, []string{"upstream", "state"})

	BreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flaregql_upstream_breaker_trips_total",
		Help: "Total number of circuit breaker transitions to open",
	}, []string{"upstream", "reason"})
)

var breakerStates = []string{"closed", "half-open", "open"}

// SetBreakerState marks state as the active breaker state of upstream.
func SetBreakerState(upstream, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		BreakerState.WithLabelValues(upstream, s).Set(v)
	}
}

// IncBreakerTrip records a breaker opening.
func IncBreakerTrip(upstream, reason string) {
	BreakerTripsTotal.WithLabelValues(upstream, reason).Inc()
}
