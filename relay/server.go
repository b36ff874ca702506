package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/WadkarNaved15/moq/auth"
	"github.com/WadkarNaved15/moq/cluster"
	"github.com/WadkarNaved15/moq/metric"
	"github.com/WadkarNaved15/moq/session"
)

// ServerConfig configures the accept path.
type ServerConfig struct {
	Cluster   *cluster.Cluster
	Validator *auth.Validator
	Session   session.Options
	Logger    *slog.Logger
	// Metrics is optional.
	Metrics *metric.Metrics
	// AcceptRate limits new connections per second. Zero disables limiting.
	AcceptRate  float64
	AcceptBurst int
}

// Server accepts WebSocket transports, authorizes them and hands each one to
// a Connection.
type Server struct {
	cluster   *cluster.Cluster
	validator *auth.Validator
	session   session.Options
	logger    *slog.Logger
	metrics   *metric.Metrics
	limiter   *rate.Limiter
	upgrader  *websocket.Upgrader

	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. It is an http.Handler.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.Session
	if opts.Observer == nil && cfg.Metrics != nil {
		opts.Observer = cfg.Metrics
	}

	s := &Server{
		cluster:   cfg.Cluster,
		validator: cfg.Validator,
		session:   opts,
		logger:    logger.With("component", "relay"),
		metrics:   cfg.Metrics,
		upgrader:  session.NewUpgrader(opts),
	}
	if cfg.AcceptRate > 0 {
		burst := max(cfg.AcceptBurst, 1)
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Server) record(result string) {
	if s.metrics != nil {
		s.metrics.RecordConnection(result)
	}
}

// ServeHTTP upgrades the request and supervises the connection until it ends.
// Requests over the accept rate get 503 before upgrading. Transports with an
// invalid token are upgraded and closed with session.CloseUnauthorized so
// browser clients can see why.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.ctx.Err() != nil {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.record("rate_limited")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	claims, authErr := s.validator.Validate(r.URL)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if authErr != nil {
		s.logger.Warn("Failed to validate token", "remote", r.RemoteAddr, "path", r.URL.Path, "error", authErr)
		s.record("unauthorized")
		session.Reject(conn, session.CloseUnauthorized, "invalid token")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	id := s.nextID.Add(1) - 1
	s.record("accepted")
	if s.metrics != nil {
		s.metrics.ConnectionStarted()
		defer s.metrics.ConnectionEnded()
	}

	c := &Connection{
		ID:        id,
		Transport: conn,
		Cluster:   s.cluster,
		Claims:    claims,
		Session:   s.session,
		Logger:    s.logger,
	}
	if err := c.Run(ctx); isHandshakeError(err) {
		s.record("handshake_failed")
	}
}

// Close ends every supervised connection and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}
