package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mqfabric"

// Metrics contains the fabric-level metrics shared by every client in a process.
// All Record methods are safe on a nil *Metrics so components can run unmetered.
type Metrics struct {
	MessagesPublished *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	HandlerErrors     *prometheus.CounterVec

	Calls        *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	Connected      *prometheus.GaugeVec
	Reconnects     *prometheus.CounterVec
	CircuitBreaker *prometheus.GaugeVec
	Subscriptions  *prometheus.GaugeVec

	HealthStatus *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance. The collectors are not registered.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Messages published, by topic kind",
			},
			[]string{"client", "kind"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Messages received from the broker, by topic kind",
			},
			[]string{"client", "kind"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Messages dropped before reaching a handler",
			},
			[]string{"client", "reason"},
		),
		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "handlers",
				Name:      "errors_total",
				Help:      "Route handlers that returned an error or panicked",
			},
			[]string{"client"},
		),
		Calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "calls",
				Name:      "total",
				Help:      "Call layer operations by outcome (success, failed, timeout, rejected, error)",
			},
			[]string{"client", "op", "outcome"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "calls",
				Name:      "duration_seconds",
				Help:      "Call layer operation duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"client", "op"},
		),
		Connected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
			[]string{"client"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "reconnects_total",
				Help:      "Broker reconnections, including clear-and-resubscribe cycles",
			},
			[]string{"client"},
		),
		CircuitBreaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "circuit_breaker",
				Help:      "Connect circuit breaker status (0=closed, 1=open)",
			},
			[]string{"client"},
		),
		Subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "subscriptions",
				Help:      "Size of the session subscription set",
			},
			[]string{"client"},
		),
		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.MessagesPublished,
		c.MessagesReceived,
		c.MessagesDropped,
		c.HandlerErrors,
		c.Calls,
		c.CallDuration,
		c.Connected,
		c.Reconnects,
		c.CircuitBreaker,
		c.Subscriptions,
		c.HealthStatus,
	}
}

// RecordPublished increments the published counter for a topic kind
func (c *Metrics) RecordPublished(client, kind string) {
	if c == nil {
		return
	}
	c.MessagesPublished.WithLabelValues(client, kind).Inc()
}

// RecordReceived increments the received counter for a topic kind
func (c *Metrics) RecordReceived(client, kind string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(client, kind).Inc()
}

// RecordDropped increments the dropped counter
func (c *Metrics) RecordDropped(client, reason string) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(client, reason).Inc()
}

// RecordHandlerError increments the handler error counter
func (c *Metrics) RecordHandlerError(client string) {
	if c == nil {
		return
	}
	c.HandlerErrors.WithLabelValues(client).Inc()
}

// RecordCall records the outcome and duration of a call layer operation
func (c *Metrics) RecordCall(client, op, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Calls.WithLabelValues(client, op, outcome).Inc()
	c.CallDuration.WithLabelValues(client, op).Observe(d.Seconds())
}

// RecordConnected updates the connection status gauge
func (c *Metrics) RecordConnected(client string, connected bool) {
	if c == nil {
		return
	}
	c.Connected.WithLabelValues(client).Set(boolValue(connected))
}

// RecordReconnect increments the reconnection counter
func (c *Metrics) RecordReconnect(client string) {
	if c == nil {
		return
	}
	c.Reconnects.WithLabelValues(client).Inc()
}

// RecordCircuitBreaker updates circuit breaker status
func (c *Metrics) RecordCircuitBreaker(client string, open bool) {
	if c == nil {
		return
	}
	c.CircuitBreaker.WithLabelValues(client).Set(boolValue(open))
}

// RecordSubscriptions updates the subscription set size
func (c *Metrics) RecordSubscriptions(client string, n int) {
	if c == nil {
		return
	}
	c.Subscriptions.WithLabelValues(client).Set(float64(n))
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	if c == nil {
		return
	}
	c.HealthStatus.WithLabelValues(component).Set(boolValue(healthy))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
