// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusMetrics(t *testing.T) {
	BusPublishedTotal.Reset()
	BusDroppedTotal.Reset()

	IncBusPublished("T", "data")
	IncBusPublished("T", "data")
	IncBusPublished("", "stop")
	IncBusDropped("T")
	SetBusSubscribers("T", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(BusPublishedTotal.WithLabelValues("T", "data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(BusPublishedTotal.WithLabelValues("unknown", "stop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(BusDroppedTotal.WithLabelValues("T")))
	assert.Equal(t, 3.0, testutil.ToFloat64(BusSubscribers.WithLabelValues("T")))
}

func TestBreakerStateIsOneHot(t *testing.T) {
	BreakerState.Reset()
	SetBreakerState("http://a.test", "closed")
	SetBreakerState("http://a.test", "open")

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	var fam *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "flaregql_upstream_breaker_state" {
			fam = f
		}
	}
	require.NotNil(t, fam)

	active := map[string]float64{}
	for _, m := range fam.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "state" {
				active[l.GetValue()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, map[string]float64{"closed": 0, "half-open": 0, "open": 1}, active)
}

func TestUpstreamAndRelayCounters(t *testing.T) {
	UpstreamRequestsTotal.Reset()
	RelayMessagesTotal.Reset()

	IncUpstream("query", "ok")
	IncRelay("out", "error")
	IncBreakerTrip("http://a.test", "threshold_exceeded")

	assert.Equal(t, 1.0, testutil.ToFloat64(UpstreamRequestsTotal.WithLabelValues("query", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(RelayMessagesTotal.WithLabelValues("out", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(BreakerTripsTotal))
}
