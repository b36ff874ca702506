package metric

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WadkarNaved15/moq/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())
}

func TestMetricsRegistry_Register(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "A test counter"})
	require.NoError(t, registry.Register("web", "test_counter", counter))
	counter.Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "test_counter" {
			found = true
		}
	}
	assert.True(t, found)

	err = registry.Register("web", "test_counter", counter)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, registry.Unregister("web", "test_counter"))
	assert.False(t, registry.Unregister("web", "test_counter"))
}

func TestMetricsRegistry_PrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "first"})
	second := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "first"})
	require.NoError(t, registry.Register("a", "dup", first))

	err := registry.Register("b", "dup", second)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetrics_Observer(t *testing.T) {
	m := NewMetricsRegistry().CoreMetrics()

	m.ObserveFrame("in", 100)
	m.ObserveFrame("in", 20)
	m.ObserveFrame("out", 7)
	m.ObserveAnnounce("out")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues("in")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.BytesTotal.WithLabelValues("in")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.BytesTotal.WithLabelValues("out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnnouncesTotal.WithLabelValues("out")))
}

func TestMetrics_Connections(t *testing.T) {
	m := NewMetricsRegistry().CoreMetrics()

	m.RecordConnection("accepted")
	m.RecordConnection("unauthorized")
	m.ConnectionStarted()
	m.ConnectionStarted()
	m.ConnectionEnded()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsActive))
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordClusterPeers(3)

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "moq_relay_cluster_peers 3")
}
