// Package web serves the relay's administrative HTTP endpoints.
//
// Routes:
//
//	GET /health                      aggregated health, 503 when unhealthy
//	GET /metrics                     Prometheus exposition
//	GET /certificate.sha256          listener certificate fingerprint
//	GET /announced[/{prefix}]        active broadcast paths
//	GET /fetch/{broadcast}/{track}   frames of the track's latest group
//
// The /fetch body is a sequence of frames, each prefixed with its length as a
// QUIC variable-length integer. A frame is itself a varint timestamp followed
// by the payload.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/WadkarNaved15/moq/cluster"
	"github.com/WadkarNaved15/moq/health"
	"github.com/WadkarNaved15/moq/metric"
	"github.com/WadkarNaved15/moq/moq"
)

// DefaultFetchTimeout bounds how long /fetch waits for a group.
const DefaultFetchTimeout = 2 * time.Second

// FingerprintSource reports the served certificate digests.
// *tlsutil.Server satisfies it.
type FingerprintSource interface {
	Fingerprints() []string
}

// Config wires the endpoints to the running relay. Nil fields disable the
// matching route.
type Config struct {
	Cluster      *cluster.Cluster
	Monitor      *health.Monitor
	Metrics      *metric.MetricsRegistry
	Certificates FingerprintSource
	Logger       *slog.Logger
	FetchTimeout time.Duration
}

type handler struct {
	cfg    Config
	logger *slog.Logger
}

// NewRouter returns a router serving the admin endpoints.
func NewRouter(cfg Config) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	h := &handler{cfg: cfg, logger: logger.With("component", "web")}

	r := mux.NewRouter()
	if cfg.Monitor != nil {
		r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	if cfg.Certificates != nil {
		r.HandleFunc("/certificate.sha256", h.handleFingerprint).Methods(http.MethodGet)
	}
	if cfg.Cluster != nil {
		r.HandleFunc("/announced", h.handleAnnounced).Methods(http.MethodGet)
		r.HandleFunc("/announced/{prefix:.*}", h.handleAnnounced).Methods(http.MethodGet)
		r.HandleFunc("/fetch/{broadcast:.+}/{track:[^/]+}", h.handleFetch).Methods(http.MethodGet)
	}
	return r
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := h.cfg.Monitor.AggregateHealth("relay")

	w.Header().Set("Content-Type", "application/json")
	if status.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
	}
}

func (h *handler) handleFingerprint(w http.ResponseWriter, _ *http.Request) {
	fingerprints := h.cfg.Certificates.Fingerprints()
	if len(fingerprints) == 0 {
		http.Error(w, "no certificate", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strings.Join(fingerprints, "\n")))
}

func (h *handler) handleAnnounced(w http.ResponseWriter, r *http.Request) {
	prefix := mux.Vars(r)["prefix"]

	var paths []string
	for _, origin := range []*moq.Origin{h.cfg.Cluster.Primary, h.cfg.Cluster.Secondary} {
		for _, p := range origin.Active() {
			if strings.HasPrefix(p, prefix) {
				paths = append(paths, p)
			}
		}
	}
	slices.Sort(paths)
	paths = slices.Compact(paths)

	response := struct {
		Prefix    string   `json:"prefix"`
		Announced []string `json:"announced"`
	}{Prefix: prefix, Announced: paths}
	if response.Announced == nil {
		response.Announced = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode announced response", "error", err)
	}
}

// handleFetch writes the frames of the latest group, each length-prefixed. A
// group still being produced is cut off at the fetch timeout.
func (h *handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	path, trackName := vars["broadcast"], vars["track"]

	broadcast, ok := h.cfg.Cluster.Primary.ConsumeBroadcast(path)
	if !ok {
		broadcast, ok = h.cfg.Cluster.Secondary.ConsumeBroadcast(path)
	}
	if !ok {
		http.Error(w, "broadcast not found", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.FetchTimeout)
	defer cancel()

	track := broadcast.SubscribeTrack(trackName)
	defer track.Close()
	group, err := track.NextGroup(ctx)
	if err != nil {
		if moq.IsEnd(err) {
			http.Error(w, "track ended", http.StatusNotFound)
			return
		}
		h.logger.Debug("Fetch found no group", "broadcast", path, "track", trackName, "error", err)
		http.Error(w, "no group available", http.StatusGatewayTimeout)
		return
	}

	var body []byte
	count := 0
	for {
		frame, err := group.ReadFrame(ctx)
		if err != nil {
			if !moq.IsEnd(err) && ctx.Err() == nil {
				h.logger.Debug("Fetch group aborted", "broadcast", path, "track", trackName, "error", err)
			}
			break
		}
		body = quicvarint.Append(body, uint64(len(frame)))
		body = append(body, frame...)
		count++
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("X-Group-Sequence", strconv.FormatUint(group.Sequence(), 10))
	w.Header().Set("X-Frame-Count", strconv.Itoa(count))
	if _, err := w.Write(body); err != nil {
		h.logger.Debug("Fetch response write failed", "broadcast", path, "track", trackName, "error", err)
	}
}
