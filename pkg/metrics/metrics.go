// Package metrics defines the Prometheus instrumentation the
// Coordinator exports: connection gauges, room broadcast counters, and
// a ping-latency histogram.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures metric namespacing, matching the teacher's
// middleware.MetricsConfig shape.
type Config struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	Registry    prometheus.Registerer
}

// DefaultConfig registers under the "helios" namespace against the
// default Prometheus registerer.
func DefaultConfig() Config {
	return Config{Namespace: "helios", Registry: prometheus.DefaultRegisterer}
}

// Metrics holds every Prometheus collector the Coordinator updates.
type Metrics struct {
	ActiveConnections   prometheus.Gauge
	DisconnectedEntries prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ReconnectsTotal     prometheus.Counter

	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	ProtocolErrors   prometheus.Counter

	BroadcastTargets prometheus.Histogram
	BroadcastSent    prometheus.Histogram

	PingLatency prometheus.Histogram
	PingsMissed prometheus.Counter
}

// New constructs and registers every collector against cfg.Registry
// (defaulting to prometheus.DefaultRegisterer when nil).
func New(cfg Config) *Metrics {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "active_connections", Help: "Number of connections currently OPEN.",
			ConstLabels: cfg.ConstLabels,
		}),
		DisconnectedEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "disconnected_entries", Help: "Number of recoverable disconnected sessions held by the Registry.",
			ConstLabels: cfg.ConstLabels,
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "connections_total", Help: "Total number of connections ever opened.",
			ConstLabels: cfg.ConstLabels,
		}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "reconnects_total", Help: "Total number of successful session recoveries.",
			ConstLabels: cfg.ConstLabels,
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "messages_received_total", Help: "Total messages received, labeled by kind.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "messages_sent_total", Help: "Total messages sent, labeled by kind.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "protocol_errors_total", Help: "Total wire-codec decode failures.",
			ConstLabels: cfg.ConstLabels,
		}),
		BroadcastTargets: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "broadcast_targets", Help: "Number of resolved targets per broadcast call.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     []float64{1, 2, 5, 10, 25, 100, 500, 2000},
		}),
		BroadcastSent: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "broadcast_sent", Help: "Number of successful sends per broadcast call.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     []float64{1, 2, 5, 10, 25, 100, 500, 2000},
		}),
		PingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "ping_latency_seconds", Help: "Round-trip ping/pong latency.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		PingsMissed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "pings_missed_total", Help: "Total missed-pong occurrences across all connections.",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}
