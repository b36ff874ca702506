package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "moq_relay"

// Metrics contains the relay's core metrics.
type Metrics struct {
	// Connections
	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge

	// Traffic
	FramesTotal    *prometheus.CounterVec
	BytesTotal     *prometheus.CounterVec
	AnnouncesTotal *prometheus.CounterVec

	// Cluster
	ClusterPeers prometheus.Gauge

	// Health
	HealthCheckStatus *prometheus.GaugeVec

	// NATS
	NATSConnected      prometheus.Gauge
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metric set
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connections",
				Name:      "total",
				Help:      "Accepted transport connections by outcome",
			},
			[]string{"result"},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "connections",
				Name:      "active",
				Help:      "Connections currently being supervised",
			},
		),
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frames",
				Name:      "total",
				Help:      "Frames relayed by direction (in, out)",
			},
			[]string{"direction"},
		),
		BytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "frames",
				Name:      "bytes_total",
				Help:      "Frame payload bytes relayed by direction (in, out)",
			},
			[]string{"direction"},
		),
		AnnouncesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broadcasts",
				Name:      "announces_total",
				Help:      "Broadcast announcements by direction (in, out)",
			},
			[]string{"direction"},
		),
		ClusterPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "peers",
				Help:      "Cluster nodes currently replicated",
			},
		),
		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.FramesTotal,
		m.BytesTotal,
		m.AnnouncesTotal,
		m.ClusterPeers,
		m.HealthCheckStatus,
		m.NATSConnected,
		m.NATSCircuitBreaker,
	}
}

// RecordConnection counts an accepted connection. result is one of
// "accepted", "unauthorized", "handshake_failed" or "rate_limited".
func (m *Metrics) RecordConnection(result string) {
	m.ConnectionsTotal.WithLabelValues(result).Inc()
}

// ConnectionStarted marks a supervised connection as active.
func (m *Metrics) ConnectionStarted() {
	m.ConnectionsActive.Inc()
}

// ConnectionEnded marks a supervised connection as finished.
func (m *Metrics) ConnectionEnded() {
	m.ConnectionsActive.Dec()
}

// ObserveFrame counts one relayed frame.
func (m *Metrics) ObserveFrame(direction string, bytes int) {
	m.FramesTotal.WithLabelValues(direction).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// ObserveAnnounce counts one announcement.
func (m *Metrics) ObserveAnnounce(direction string) {
	m.AnnouncesTotal.WithLabelValues(direction).Inc()
}

// RecordClusterPeers sets the number of replicated peers.
func (m *Metrics) RecordClusterPeers(n int) {
	m.ClusterPeers.Set(float64(n))
}

// RecordHealthStatus updates health check status
func (m *Metrics) RecordHealthStatus(component string, healthy bool) {
	m.HealthCheckStatus.WithLabelValues(component).Set(boolValue(healthy))
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	m.NATSConnected.Set(boolValue(connected))
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(open bool) {
	m.NATSCircuitBreaker.Set(boolValue(open))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
