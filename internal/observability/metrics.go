package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting bridge metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Event flow from ingestion through the bus into connections
//   - Messages delivered to rooms
//   - Drop reasons (filtered, stale, duplicate, unrouted)
//   - Storage provider failures
//   - Active connection counts per integration family
type Metrics struct {
	// EventsReceived counts normalized events accepted by the ingestion
	// front end or the feed poller.
	// Labels: source (gitlab|figma|webhook|feed)
	EventsReceived *prometheus.CounterVec

	// EventsDropped counts events that produced no message.
	// Labels: source, reason (duplicate|filtered|stale|unrouted|ignored)
	EventsDropped *prometheus.CounterVec

	// MessagesSent counts room messages emitted by connections.
	// Labels: service (feed|figma|gitlab|webhook)
	MessagesSent *prometheus.CounterVec

	// StoreErrors counts storage provider failures by operation.
	// Labels: op
	StoreErrors *prometheus.CounterVec

	// ActiveConnections tracks the number of live connections.
	// Labels: service
	ActiveConnections *prometheus.GaugeVec

	// DispatchDuration measures router dispatch latency in seconds.
	// Labels: topic
	DispatchDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers bridge metrics on the given registerer.
// Passing nil uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookline",
			Name:      "events_received_total",
			Help:      "Normalized events accepted from event sources.",
		}, []string{"source"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookline",
			Name:      "events_dropped_total",
			Help:      "Events that produced no room message, by reason.",
		}, []string{"source", "reason"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookline",
			Name:      "messages_sent_total",
			Help:      "Room messages sent by connections.",
		}, []string{"service"}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hookline",
			Name:      "store_errors_total",
			Help:      "Storage provider operation failures.",
		}, []string{"op"}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hookline",
			Name:      "active_connections",
			Help:      "Live connections held by the router.",
		}, []string{"service"}),
		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hookline",
			Name:      "dispatch_duration_seconds",
			Help:      "Router dispatch latency per bus topic.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"topic"}),
	}
}

// Drop reasons used with EventsDropped.
const (
	DropDuplicate = "duplicate"
	DropFiltered  = "filtered"
	DropStale     = "stale"
	DropUnrouted  = "unrouted"
	DropIgnored   = "ignored"
	DropOverflow  = "overflow"
)
