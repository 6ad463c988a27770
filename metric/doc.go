// Package metric provides Prometheus metrics for the message fabric and a small
// HTTP server that exposes them.
//
// A MetricsRegistry owns a private Prometheus registry. It comes with the fabric
// metrics (Metrics) already registered: messages published, received and dropped,
// handler failures, call layer outcomes and latency, and session state
// (connected, reconnects, circuit breaker, subscription set size). Plugins add
// their own collectors through the MetricsRegistrar interface, keyed by service name.
//
//	registry := metric.NewMetricsRegistry()
//	client, _ := fabric.NewClient(session, "device-model", fabric.WithMetrics(registry))
//
//	srv := metric.NewServer(9090, "/metrics", registry)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop(ctx)
//
// Every Record method is a no-op on a nil *Metrics, so unmetered clients pass
// a nil registry instead of guarding each call.
package metric
