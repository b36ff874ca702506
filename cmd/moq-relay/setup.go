package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/WadkarNaved15/moq/auth"
	"github.com/WadkarNaved15/moq/cluster"
	"github.com/WadkarNaved15/moq/config"
	"github.com/WadkarNaved15/moq/health"
	"github.com/WadkarNaved15/moq/metric"
	"github.com/WadkarNaved15/moq/natsclient"
	"github.com/WadkarNaved15/moq/pkg/tlsutil"
	"github.com/WadkarNaved15/moq/session"
)

// certificateWarning is how close to expiry the served certificate reports
// degraded health.
const certificateWarning = 24 * time.Hour

// loadConfig loads configuration from the specified file path. An empty path
// uses defaults and environment overrides only.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = loader.Load()
	} else {
		cfg, err = loader.LoadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func setupValidator(cfg config.AuthConfig) (*auth.Validator, error) {
	var key []byte
	if cfg.Key != "" {
		var err error
		if key, err = auth.LoadKey(cfg.Key); err != nil {
			return nil, err
		}
	}
	return auth.NewValidator(key, cfg.Public)
}

func sessionOptions(cfg config.SessionConfig, logger *slog.Logger) session.Options {
	return session.Options{
		HandshakeTimeout: cfg.HandshakeTimeout.Duration(),
		WriteTimeout:     cfg.WriteTimeout.Duration(),
		PingInterval:     cfg.PingInterval.Duration(),
		ReadLimit:        cfg.ReadLimit,
		Logger:           logger,
	}
}

// readClusterToken reads the token presented to peers. An empty path means
// peers accept this node without one.
func readClusterToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read cluster token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// setupRegistry connects the configured membership registry and registers its
// health check. The returned cleanup releases the backing connection.
func setupRegistry(
	ctx context.Context,
	cfg config.ClusterConfig,
	logger *slog.Logger,
	metrics *metric.Metrics,
	monitor *health.Monitor,
) (cluster.Registry, func(), error) {
	noop := func() {}

	switch cfg.Registry {
	case config.RegistryNone:
		return nil, noop, nil

	case config.RegistryStatic:
		nodes := make([]cluster.Node, 0, len(cfg.Peers))
		for _, peer := range cfg.Peers {
			nodes = append(nodes, cluster.Node{Name: peer, URL: peer})
		}
		logger.Info("Using static cluster registry", "peers", len(nodes))
		return cluster.NewStaticRegistry(nodes...), noop, nil

	case config.RegistryNATS:
		return setupNATSRegistry(ctx, cfg, logger, metrics, monitor)

	case config.RegistryRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("connect to redis: %w", err)
		}
		monitor.Register("redis", func(ctx context.Context) health.Status {
			return health.FromError("redis", client.Ping(ctx).Err())
		})
		logger.Info("Using redis cluster registry", "addrs", cfg.Redis.Addrs)
		registry := cluster.NewRedisRegistry(client, cfg.Redis.Prefix, cfg.TTL.Duration())
		return registry, func() { _ = client.Close() }, nil

	default:
		return nil, noop, fmt.Errorf("unknown cluster registry %q", cfg.Registry)
	}
}

func setupNATSRegistry(
	ctx context.Context,
	cfg config.ClusterConfig,
	logger *slog.Logger,
	metrics *metric.Metrics,
	monitor *health.Monitor,
) (cluster.Registry, func(), error) {
	noop := func() {}
	n := cfg.NATS

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName + "-" + cfg.Node),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait.Duration()),
		natsclient.WithHealthChangeCallback(metrics.RecordNATSStatus),
	}
	if n.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(n.PingInterval.Duration()))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}

	client, err := natsclient.NewClient(strings.Join(n.URLs, ","), opts...)
	if err != nil {
		return nil, noop, fmt.Errorf("create NATS client: %w", err)
	}
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	}

	logger.Info("Connecting to NATS")
	if err := client.Connect(ctx); err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("NATS connection timeout: %w", err)
	}

	registry, err := cluster.NewNATSRegistry(ctx, client, n.Bucket, cfg.TTL.Duration())
	if err != nil {
		cleanup()
		return nil, noop, fmt.Errorf("create NATS registry: %w", err)
	}

	monitor.Register("nats", func(context.Context) health.Status {
		metrics.RecordCircuitBreakerState(client.Status() == natsclient.StatusCircuitOpen)
		if client.IsHealthy() {
			return health.NewHealthy("nats", "connected")
		}
		return health.NewUnhealthy("nats", fmt.Sprintf("%s (failures: %d)", client.Status(), client.Failures()))
	})
	logger.Info("Using NATS cluster registry", "bucket", n.Bucket)
	return registry, cleanup, nil
}

// clusterCheck reports the replicated peer count. A clustered node with no
// peers is degraded rather than unhealthy; it still serves its own clients.
func clusterCheck(c *cluster.Cluster, clustered bool, metrics *metric.Metrics) health.Check {
	return func(context.Context) health.Status {
		peers := len(c.Peers())
		metrics.RecordClusterPeers(peers)
		msg := fmt.Sprintf("%d peers, %d primary, %d secondary broadcasts",
			peers, len(c.Primary.Active()), len(c.Secondary.Active()))
		if clustered && peers == 0 {
			return health.NewDegraded("cluster", msg)
		}
		return health.NewHealthy("cluster", msg)
	}
}

// certificateCheck reports the served certificate's remaining lifetime.
func certificateCheck(s *tlsutil.Server) health.Check {
	return func(context.Context) health.Status {
		cert := s.Certificate()
		if cert == nil || len(cert.Certificate) == 0 {
			return health.NewUnhealthy("tls", "no certificate")
		}
		leaf := cert.Leaf
		if leaf == nil {
			var err error
			if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
				return health.FromError("tls", err)
			}
		}
		remaining := time.Until(leaf.NotAfter)
		switch {
		case remaining <= 0:
			return health.NewUnhealthy("tls", "certificate expired")
		case remaining < certificateWarning:
			return health.NewDegraded("tls", fmt.Sprintf("certificate expires in %s", remaining.Round(time.Minute)))
		default:
			return health.NewHealthy("tls", fmt.Sprintf("certificate valid until %s", leaf.NotAfter.Format(time.RFC3339)))
		}
	}
}
