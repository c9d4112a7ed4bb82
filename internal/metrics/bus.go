// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flaregql_bus_published_total",
		Help: "Total number of events published to the topic event bus",
	}, []string{"topic", "kind"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flaregql_bus_dropped_total",
		Help: "Total number of events published to a topic without any active subscriber",
	}, []string{"topic"})

	BusSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flaregql_bus_subscribers",
		Help: "Current number of registered subscriptions per topic",
	}, []string{"topic"})
)

func topicLabel(topic string) string {
	if topic == "" {
		return "unknown"
	}
	return topic
}

// IncBusPublished records a published event; kind is "data" or "stop".
func IncBusPublished(topic, kind string) {
	BusPublishedTotal.WithLabelValues(topicLabel(topic), kind).Inc()
}

// IncBusDropped records an event that reached no subscriber.
func IncBusDropped(topic string) {
	BusDroppedTotal.WithLabelValues(topicLabel(topic)).Inc()
}

// SetBusSubscribers reports the current registry size for topic.
func SetBusSubscribers(topic string, n int) {
	BusSubscribers.WithLabelValues(topicLabel(topic)).Set(float64(n))
}
