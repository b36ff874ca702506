package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WadkarNaved15/moq/cluster"
	"github.com/WadkarNaved15/moq/health"
	"github.com/WadkarNaved15/moq/media"
	"github.com/WadkarNaved15/moq/metric"
	"github.com/WadkarNaved15/moq/moq"
)

type staticFingerprints []string

func (s staticFingerprints) Fingerprints() []string { return s }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	monitor := health.NewMonitor()
	router := NewRouter(Config{Monitor: monitor})

	monitor.UpdateHealthy("cluster", "ok")
	rec := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var status health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "relay", status.Component)
	assert.True(t, status.IsHealthy())
	require.Len(t, status.SubStatuses, 1)

	monitor.UpdateUnhealthy("nats", "disconnected")
	rec = get(t, router, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	registry.CoreMetrics().RecordConnection("accepted")

	rec := get(t, NewRouter(Config{Metrics: registry}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `moq_relay_connections_total{result="accepted"} 1`)
}

func TestCertificateFingerprint(t *testing.T) {
	rec := get(t, NewRouter(Config{Certificates: staticFingerprints{"abc123"}}), "/certificate.sha256")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())

	rec = get(t, NewRouter(Config{Certificates: staticFingerprints(nil)}), "/certificate.sha256")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDisabledRoutes(t *testing.T) {
	router := NewRouter(Config{})
	for _, path := range []string{"/health", "/metrics", "/certificate.sha256", "/announced"} {
		assert.Equal(t, http.StatusNotFound, get(t, router, path).Code, path)
	}
}

func newCluster(t *testing.T) *cluster.Cluster {
	t.Helper()
	c := cluster.New(cluster.Config{Node: "web-test"}, nil, nil)
	t.Cleanup(c.Close)
	return c
}

func TestAnnounced(t *testing.T) {
	c := newCluster(t)
	c.Primary.Publish("room/alice", moq.NewBroadcast().Consume())
	c.Secondary.Publish("room/bob", moq.NewBroadcast().Consume())
	c.Secondary.Publish("lobby/carol", moq.NewBroadcast().Consume())
	router := NewRouter(Config{Cluster: c})

	decode := func(rec *httptest.ResponseRecorder) []string {
		t.Helper()
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Announced []string `json:"announced"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.Announced
	}

	assert.Equal(t, []string{"lobby/carol", "room/alice", "room/bob"}, decode(get(t, router, "/announced")))
	assert.Equal(t, []string{"room/alice", "room/bob"}, decode(get(t, router, "/announced/room/")))
	assert.Equal(t, []string{}, decode(get(t, router, "/announced/none")))
}

func TestFetch_LatestGroup(t *testing.T) {
	c := newCluster(t)
	broadcast := moq.NewBroadcast()
	track := broadcast.CreateTrack("video")
	c.Primary.Publish("room/alice", broadcast.Consume())

	writeGroup := func(payloads ...string) {
		g, err := track.AppendGroup()
		require.NoError(t, err)
		for i, p := range payloads {
			raw, err := media.EncodeFrame(media.TimestampFromMicros(uint64(i)), []byte(p))
			require.NoError(t, err)
			require.NoError(t, g.WriteFrame(raw))
		}
		g.Close()
	}
	writeGroup("old")
	writeGroup("key", "delta")

	rec := get(t, NewRouter(Config{Cluster: c}), "/fetch/room/alice/video")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Group-Sequence"))
	assert.Equal(t, "2", rec.Header().Get("X-Frame-Count"))

	frames := splitFrames(t, rec.Body.Bytes())
	require.Len(t, frames, 2)
	ts, payload, err := media.DecodeFrame(frames[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ts.Micros())
	assert.Equal(t, []byte("key"), payload)
	ts, payload, err = media.DecodeFrame(frames[1])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ts.Micros())
	assert.Equal(t, []byte("delta"), payload)

	select {
	case <-track.Unused():
	case <-time.After(time.Second):
		t.Fatal("fetch left its track subscription open")
	}
}

// splitFrames cuts a /fetch body at its length prefixes.
func splitFrames(t *testing.T, body []byte) [][]byte {
	t.Helper()
	r := bytes.NewReader(body)
	var frames [][]byte
	for r.Len() > 0 {
		n, err := quicvarint.Read(r)
		require.NoError(t, err)
		frame := make([]byte, n)
		_, err = io.ReadFull(r, frame)
		require.NoError(t, err)
		frames = append(frames, frame)
	}
	return frames
}

func TestFetch_OpenGroupIsCutOff(t *testing.T) {
	c := newCluster(t)
	broadcast := moq.NewBroadcast()
	track := broadcast.CreateTrack("audio")
	c.Secondary.Publish("room/bob", broadcast.Consume())

	g, err := track.AppendGroup()
	require.NoError(t, err)
	require.NoError(t, g.WriteFrame([]byte{0x00, 'a'}))

	router := NewRouter(Config{Cluster: c, FetchTimeout: 50 * time.Millisecond})
	rec := get(t, router, "/fetch/room/bob/audio")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Frame-Count"))
	assert.Equal(t, [][]byte{{0x00, 'a'}}, splitFrames(t, rec.Body.Bytes()))
}

func TestFetch_Errors(t *testing.T) {
	c := newCluster(t)
	broadcast := moq.NewBroadcast()
	c.Primary.Publish("room/alice", broadcast.Consume())
	router := NewRouter(Config{Cluster: c, FetchTimeout: 50 * time.Millisecond})

	assert.Equal(t, http.StatusNotFound, get(t, router, "/fetch/room/nobody/video").Code)
	// Nobody serves the requested track.
	assert.Equal(t, http.StatusGatewayTimeout, get(t, router, "/fetch/room/alice/video").Code)
}
