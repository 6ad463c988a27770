// Package health tracks the health of fabric sessions and plugin runtimes.
//
// A Status is healthy, degraded, or unhealthy. The Monitor holds the latest
// Status per component, aggregates them (unhealthy wins over degraded, which
// wins over healthy), and serves the aggregate as JSON so it can be mounted on
// the metrics server:
//
//	monitor := health.NewMonitor(health.WithMetrics(registry.CoreMetrics()))
//	srv := metric.NewServer(9090, "/metrics", registry, metric.WithHealthHandler(monitor))
//
//	session.OnStatusChange(func(s transport.ConnectionStatus) {
//	    monitor.Update("session", sessionHealth(s))
//	})
//
// Error messages passed through FromError are sanitized: broker URLs, IP
// addresses, ports, file paths and credentials never reach the endpoint.
package health
