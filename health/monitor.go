package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/c360/mqfabric/metric"
)

// Monitor tracks health of multiple components in a thread-safe manner.
// It doubles as an http.Handler serving the aggregate as JSON.
type Monitor struct {
	mu       sync.RWMutex
	name     string
	statuses map[string]Status
	metrics  *metric.Metrics
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithMetrics mirrors every update into the health status gauge.
func WithMetrics(m *metric.Metrics) MonitorOption {
	return func(mon *Monitor) {
		mon.metrics = m
	}
}

// WithSystemName sets the component name used for the aggregate status.
func WithSystemName(name string) MonitorOption {
	return func(mon *Monitor) {
		mon.name = name
	}
}

// NewMonitor creates a new health monitor
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{
		name:     "mqfabric",
		statuses: make(map[string]Status),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update updates the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()

	m.metrics.RecordHealthStatus(name, status.IsHealthy())
}

// UpdateHealthy is a convenience method to update a component as healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy is a convenience method to update a component as unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.statuses, name)
}

// AggregateHealth returns an aggregated health status for the entire system.
// Sub-statuses are sorted by component name.
func (m *Monitor) AggregateHealth() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	return Aggregate(m.name, subs)
}

// ServeHTTP writes the aggregate status as JSON. Unhealthy aggregates answer
// 503; healthy and degraded answer 200.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := m.AggregateHealth()

	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}
