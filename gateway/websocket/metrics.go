package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/mqfabric/metric"
)

const metricsService = "websocket_gateway"

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	peers       prometheus.Gauge
	connections prometheus.Counter
	frames      *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

// newMetrics registers gateway collectors. A registration conflict leaves
// the gateway unmetered.
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mqfabric",
			Subsystem: "gateway",
			Name:      "peers_connected",
			Help:      "Number of connected websocket peers",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mqfabric",
			Subsystem: "gateway",
			Name:      "peer_connections_total",
			Help:      "Total websocket peer connections",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqfabric",
			Subsystem: "gateway",
			Name:      "frames_total",
			Help:      "Frames exchanged with websocket peers",
		}, []string{"direction", "type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mqfabric",
			Subsystem: "gateway",
			Name:      "errors_total",
			Help:      "Gateway errors by kind",
		}, []string{"error_type"}),
	}

	if registry.RegisterGauge(metricsService, "peers_connected", m.peers) != nil {
		return nil
	}
	if registry.RegisterCounter(metricsService, "peer_connections_total", m.connections) != nil {
		registry.Unregister(metricsService, "peers_connected")
		return nil
	}
	if registry.RegisterCounterVec(metricsService, "frames_total", m.frames) != nil {
		registry.Unregister(metricsService, "peers_connected")
		registry.Unregister(metricsService, "peer_connections_total")
		return nil
	}
	if registry.RegisterCounterVec(metricsService, "errors_total", m.errors) != nil {
		registry.Unregister(metricsService, "peers_connected")
		registry.Unregister(metricsService, "peer_connections_total")
		registry.Unregister(metricsService, "frames_total")
		return nil
	}
	return m
}

func (m *Metrics) peerConnected(n int) {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.peers.Set(float64(n))
}

func (m *Metrics) peerDisconnected(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

func (m *Metrics) frame(direction, frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}
