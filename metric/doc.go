// Package metric exposes the relay's Prometheus metrics.
//
// NewMetricsRegistry creates a private Prometheus registry holding the relay
// metrics (Metrics) and the Go runtime collectors. Components receive the
// *Metrics value and record through its methods; a nil *Metrics records
// nothing, so packages can be used and tested without a registry.
//
// Additional collectors can be attached per component through the
// MetricsRegistrar interface; duplicate names are rejected.
//
// Server publishes the registry over HTTP:
//
//	registry := metric.NewMetricsRegistry()
//	srv := metric.NewServer("127.0.0.1:9090", "/metrics", registry, monitor.Handler("padrelay"), security.Config{})
//	go func() { _ = srv.Start() }()
//	defer srv.Stop()
//
// All metric names carry the "padrelay" namespace, for example
// padrelay_tcp_sessions_active and padrelay_ratelimit_rejected_total.
package metric
