package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's prometheus instrumentation. Each server
// owns its registry so multiple instances can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsClosed  prometheus.Counter
	eventsReceived  *prometheus.CounterVec
	eventsSent      *prometheus.CounterVec
	broadcasts      *prometheus.CounterVec
	storageErrors   prometheus.Counter
}

// NewMetrics creates and registers the server metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "openroom_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "openroom_sessions_created_total",
			Help: "Total sessions created since startup",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "openroom_sessions_closed_total",
			Help: "Total sessions closed since startup",
		}),
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openroom_events_received_total",
			Help: "Client events received, by event name",
		}, []string{"event"}),
		eventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openroom_events_sent_total",
			Help: "Events enqueued for delivery, by event name",
		}, []string{"event"}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "openroom_broadcasts_total",
			Help: "Broadcast operations submitted to the hub, by event name",
		}, []string{"event"}),
		storageErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "openroom_storage_errors_total",
			Help: "Message store operations that failed",
		}),
	}
}

// RecordActiveSessions updates the active session gauge
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the created-session counter
func (m *Metrics) RecordSessionCreated() {
	m.sessionsCreated.Inc()
}

// RecordSessionClosed increments the closed-session counter
func (m *Metrics) RecordSessionClosed() {
	m.sessionsClosed.Inc()
}

// RecordEventReceived tracks an inbound client event
func (m *Metrics) RecordEventReceived(event string) {
	m.eventsReceived.WithLabelValues(event).Inc()
}

// RecordEventSent tracks an event enqueued for delivery
func (m *Metrics) RecordEventSent(event string) {
	m.eventsSent.WithLabelValues(event).Inc()
}

// RecordBroadcast tracks a broadcast submitted to the hub
func (m *Metrics) RecordBroadcast(event string) {
	m.broadcasts.WithLabelValues(event).Inc()
}

// RecordStorageError tracks a failed message store operation
func (m *Metrics) RecordStorageError() {
	m.storageErrors.Inc()
}
