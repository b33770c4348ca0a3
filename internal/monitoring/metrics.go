package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"tenebrinet/internal/event"
)

// Metrics is the Prometheus instrumentation for the whole platform. One
// instance is created at startup and handed to the components that feed
// it; the registry backs the /metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAdmitted *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec
	activeConnections   prometheus.Gauge

	eventsCaptured   *prometheus.CounterVec
	attacksPersisted *prometheus.CounterVec
	retryQueueDepth  prometheus.Gauge

	feedSubscribers prometheus.Gauge
	feedDropped     prometheus.Counter
	feedDroppedSeen uint64

	classifierReady prometheus.Gauge
}

// NewMetrics builds and registers the metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		connectionsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenebrinet",
			Name:      "connections_admitted_total",
			Help:      "Connections admitted past the rate and concurrency limits.",
		}, []string{"service"}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenebrinet",
			Name:      "connections_rejected_total",
			Help:      "Connections closed by admission control.",
		}, []string{"service"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tenebrinet",
			Name:      "active_connections",
			Help:      "Connection tasks currently running.",
		}),
		eventsCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenebrinet",
			Name:      "events_captured_total",
			Help:      "AttackEvents emitted by connection tasks.",
		}, []string{"service"}),
		attacksPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tenebrinet",
			Name:      "attacks_persisted_total",
			Help:      "Attack records durably written, by threat category.",
		}, []string{"category"}),
		retryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tenebrinet",
			Name:      "persistence_retry_queue_depth",
			Help:      "Units waiting for a persistence retry.",
		}),
		feedSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tenebrinet",
			Name:      "feed_subscribers",
			Help:      "Current live feed subscribers.",
		}),
		feedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tenebrinet",
			Name:      "feed_dropped_total",
			Help:      "Feed deliveries lost to subscriber backpressure.",
		}),
		classifierReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tenebrinet",
			Name:      "classifier_model_loaded",
			Help:      "1 when a threat model is loaded.",
		}),
	}

	registry.MustRegister(
		m.connectionsAdmitted,
		m.connectionsRejected,
		m.activeConnections,
		m.eventsCaptured,
		m.attacksPersisted,
		m.retryQueueDepth,
		m.feedSubscribers,
		m.feedDropped,
		m.classifierReady,
	)
	return m
}

// Registry exposes the backing registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ConnectionAdmitted counts one admitted connection.
func (m *Metrics) ConnectionAdmitted(service event.Service) {
	m.connectionsAdmitted.WithLabelValues(string(service)).Inc()
}

// ConnectionRejected counts one rejected connection.
func (m *Metrics) ConnectionRejected(service event.Service) {
	m.connectionsRejected.WithLabelValues(string(service)).Inc()
}

// SetActiveConnections tracks the in-flight task count.
func (m *Metrics) SetActiveConnections(n int64) {
	m.activeConnections.Set(float64(n))
}

// EventCaptured counts one emitted AttackEvent.
func (m *Metrics) EventCaptured(service event.Service) {
	m.eventsCaptured.WithLabelValues(string(service)).Inc()
}

// AttackPersisted counts one durable attack record.
func (m *Metrics) AttackPersisted(category event.ThreatCategory) {
	m.attacksPersisted.WithLabelValues(string(category)).Inc()
}

// SetRetryQueueDepth tracks the persistence retry backlog.
func (m *Metrics) SetRetryQueueDepth(n int) {
	m.retryQueueDepth.Set(float64(n))
}

// SetFeedSubscribers tracks the subscriber count.
func (m *Metrics) SetFeedSubscribers(n int) {
	m.feedSubscribers.Set(float64(n))
}

// SyncFeedDropped advances the dropped counter to the broadcaster's
// cumulative total. Only the refresh goroutine calls it.
func (m *Metrics) SyncFeedDropped(total uint64) {
	if total > m.feedDroppedSeen {
		m.feedDropped.Add(float64(total - m.feedDroppedSeen))
		m.feedDroppedSeen = total
	}
}

// SetClassifierReady flags model availability.
func (m *Metrics) SetClassifierReady(ready bool) {
	if ready {
		m.classifierReady.Set(1)
	} else {
		m.classifierReady.Set(0)
	}
}
