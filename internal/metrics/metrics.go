package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_connections",
			Help: "Current number of registered connections",
		},
		[]string{"device"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_events_published_total",
			Help: "Total number of events handed to the dispatcher",
		},
		[]string{"kind"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Total number of per-target delivery outcomes",
		},
		[]string{"outcome"}, // "delivered", "dropped", "offline"
	)

	Handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_handshakes_total",
			Help: "Total number of socket handshakes by result",
		},
		[]string{"result"}, // "active", "rejected", "unauthenticated"
	)

	TypingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_typing_entries",
			Help: "Current number of tracked typing entries",
		},
	)

	InboundFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_inbound_frames_dropped_total",
			Help: "Total number of client frames dropped by the rate limiter",
		},
	)
)

func RecordConnectionOpened(device string) {
	Connections.WithLabelValues(device).Inc()
}

func RecordConnectionClosed(device string) {
	Connections.WithLabelValues(device).Dec()
}

func RecordPublish(kind string, delivered, dropped, offline int) {
	EventsPublished.WithLabelValues(kind).Inc()
	Deliveries.WithLabelValues("delivered").Add(float64(delivered))
	Deliveries.WithLabelValues("dropped").Add(float64(dropped))
	Deliveries.WithLabelValues("offline").Add(float64(offline))
}

func RecordHandshake(result string) {
	Handshakes.WithLabelValues(result).Inc()
}

func SetTypingEntries(n int) {
	TypingEntries.Set(float64(n))
}

func RecordInboundFrameDropped() {
	InboundFramesDropped.Inc()
}
