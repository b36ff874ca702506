// Package metric provides the relay's Prometheus metrics.
//
// MetricsRegistry owns a private Prometheus registry with the core relay
// metrics (connections, relayed frames and bytes, announcements, cluster
// peers, health and NATS state) plus the Go runtime collectors. Components
// may register their own collectors through Register.
//
// Metrics implements the session observer interface, so it can be handed to
// session options directly:
//
//	registry := metric.NewMetricsRegistry()
//	opts := session.Options{Observer: registry.CoreMetrics()}
//	http.Handle("/metrics", registry.Handler())
package metric
