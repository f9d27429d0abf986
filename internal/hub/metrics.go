package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the broadcast server. All
// methods are safe on a nil receiver so the hub can run uninstrumented in
// tests.
type Metrics struct {
	// Connections is the current number of registered WebSocket connections.
	Connections prometheus.Gauge

	// MessagesReceived counts inbound frames by message type.
	MessagesReceived *prometheus.CounterVec

	// Broadcasts counts fan-outs by message type.
	Broadcasts *prometheus.CounterVec

	// DroppedMessages counts frames dropped because a client's send buffer
	// was full.
	DroppedMessages prometheus.Counter

	// PresenceEvictions counts presence documents removed by the sweep.
	PresenceEvictions prometheus.Counter

	// DeadConnectionsSwept counts connections removed by the sweep.
	DeadConnectionsSwept prometheus.Counter
}

// NewMetrics registers all collectors on the default registry. Call once at
// startup.
func NewMetrics() *Metrics {
	return &Metrics{
		Connections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connections",
			Help: "Current number of registered WebSocket connections.",
		}),
		MessagesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_messages_received_total",
			Help: "Inbound frames by message type.",
		}, []string{"type"}),
		Broadcasts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_broadcasts_total",
			Help: "Broadcast fan-outs by message type.",
		}, []string{"type"}),
		DroppedMessages: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collab_dropped_messages_total",
			Help: "Frames dropped due to a full client send buffer.",
		}),
		PresenceEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collab_presence_evictions_total",
			Help: "Presence documents evicted as stale by the sweep.",
		}),
		DeadConnectionsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collab_dead_connections_swept_total",
			Help: "Dead connections removed by the sweep.",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Broadcast(msgType string) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.DroppedMessages.Inc()
}

func (m *Metrics) Swept(presenceEvicted, deadConnections int) {
	if m == nil {
		return
	}
	m.PresenceEvictions.Add(float64(presenceEvicted))
	m.DeadConnectionsSwept.Add(float64(deadConnections))
}
