package vis

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instrumentation for a Service and the servers
// sharing it. A nil *Metrics disables collection entirely; every record method
// is safe to call on a nil receiver.
type Metrics struct {
	connectedClients    prometheus.Gauge
	activeSubscriptions prometheus.Gauge
	requests            *prometheus.CounterVec
	notifications       prometheus.Counter
	droppedConnections  prometheus.Counter
	signalUpdates       prometheus.Counter
}

// NewMetrics creates the service instrumentation and registers it with the
// given registerer, typically prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vis",
			Name:      "connected_clients",
			Help:      "Current number of connected clients across all transports",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vis",
			Name:      "active_subscriptions",
			Help:      "Current number of registered subscriptions",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vis",
			Name:      "requests_total",
			Help:      "Total number of handled client requests",
		}, []string{"action"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vis",
			Name:      "notifications_delivered_total",
			Help:      "Total number of subscription notifications written to clients",
		}),
		droppedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vis",
			Name:      "dropped_connections_total",
			Help:      "Total number of connections dropped on queue overflow or write failure",
		}),
		signalUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vis",
			Name:      "signal_updates_total",
			Help:      "Total number of producer updates applied to the signal store",
		}),
	}

	collectors := []prometheus.Collector{
		m.connectedClients,
		m.activeSubscriptions,
		m.requests,
		m.notifications,
		m.droppedConnections,
		m.signalUpdates,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) clientConnected() {
	if m == nil {
		return
	}
	m.connectedClients.Inc()
}

func (m *Metrics) clientDisconnected() {
	if m == nil {
		return
	}
	m.connectedClients.Dec()
}

func (m *Metrics) requestHandled(action Action) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(action)).Inc()
}

func (m *Metrics) notificationDelivered() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) connectionDropped() {
	if m == nil {
		return
	}
	m.droppedConnections.Inc()
}

func (m *Metrics) signalUpdated() {
	if m == nil {
		return
	}
	m.signalUpdates.Inc()
}

func (m *Metrics) subscriptionCreated() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

func (m *Metrics) subscriptionsRemoved(count int) {
	if m == nil || count == 0 {
		return
	}
	m.activeSubscriptions.Sub(float64(count))
}
