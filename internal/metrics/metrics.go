// Package metrics holds the broker's Prometheus instruments. All helpers
// tolerate a nil receiver so unit tests can run without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/poelstra/mhub-sub000/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the broker
type Metrics struct {
	Connections     *prometheus.GaugeVec     // transport
	Commands        *prometheus.CounterVec   // type, status
	CommandDuration *prometheus.HistogramVec // type
	Published       *prometheus.CounterVec   // node
	Delivered       *prometheus.CounterVec   // transport
	Sessions        *prometheus.GaugeVec     // kind
	StorageWrites   *prometheus.CounterVec   // status
}

// New registers the broker metric set on the given collector.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		Connections:     mc.NewGauge("connections_active", "Active client connections", []string{"transport"}),
		Commands:        mc.NewCounter("commands_total", "Processed client commands", []string{"type", "status"}),
		CommandDuration: mc.NewHistogram("command_duration_seconds", "Command processing time", []string{"type"}, nil),
		Published:       mc.NewCounter("messages_published_total", "Messages published to nodes", []string{"node"}),
		Delivered:       mc.NewCounter("messages_delivered_total", "Messages delivered to clients", []string{"transport"}),
		Sessions:        mc.NewGauge("sessions_active", "Live sessions", []string{"kind"}),
		StorageWrites:   mc.NewCounter("storage_writes_total", "Node state writes", []string{"status"}),
	}
}

// ConnectionOpened records a new client connection on a transport.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(transport).Inc()
}

// ConnectionClosed records a finished client connection.
func (m *Metrics) ConnectionClosed(transport string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(transport).Dec()
}

// Command records one processed command and its outcome.
func (m *Metrics) Command(cmdType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(cmdType, status).Inc()
	m.CommandDuration.WithLabelValues(cmdType).Observe(duration.Seconds())
}

// MessagePublished records a publish accepted by a node.
func (m *Metrics) MessagePublished(node string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(node).Inc()
}

// MessageDelivered records a message sent to a client.
func (m *Metrics) MessageDelivered(transport string) {
	if m == nil {
		return
	}
	m.Delivered.WithLabelValues(transport).Inc()
}

// SessionOpened records a new live session of the given kind.
func (m *Metrics) SessionOpened(kind string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(kind).Inc()
}

// SessionClosed records a destroyed session of the given kind.
func (m *Metrics) SessionClosed(kind string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(kind).Dec()
}

// StorageWrite records a node state write outcome ("ok" or "error").
func (m *Metrics) StorageWrite(status string) {
	if m == nil {
		return
	}
	m.StorageWrites.WithLabelValues(status).Inc()
}
