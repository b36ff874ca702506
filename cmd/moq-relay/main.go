// Package main implements the moq-relay server. The relay accepts WebSocket
// sessions, authorizes them with path-scoped tokens and forwards broadcasts
// between publishers, subscribers and other relays of the cluster.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WadkarNaved15/moq/cluster"
	"github.com/WadkarNaved15/moq/config"
	"github.com/WadkarNaved15/moq/health"
	"github.com/WadkarNaved15/moq/metric"
	"github.com/WadkarNaved15/moq/pkg/tlsutil"
	"github.com/WadkarNaved15/moq/relay"
	"github.com/WadkarNaved15/moq/web"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "moq-relay"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI(os.Args[1:])
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}
	slog.Debug("Loaded configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil, nil, true, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage()
		return nil, nil, true, nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting moq-relay",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// serve runs the relay until ctx is cancelled or a component fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()

	monitor := health.NewMonitor()
	monitor.OnUpdate(func(s health.Status) {
		metrics.RecordHealthStatus(s.Component, !s.IsUnhealthy())
	})

	validator, err := setupValidator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("setup auth: %w", err)
	}

	tlsServer, err := tlsutil.LoadServer(ctx, cfg.TLS.Server, logger)
	if err != nil {
		return fmt.Errorf("setup tls: %w", err)
	}
	defer tlsServer.Close()
	if tlsServer != nil {
		monitor.Register("tls", certificateCheck(tlsServer))
		logger.Info("Serving TLS", "fingerprints", tlsServer.Fingerprints())
	}

	clientTLS, err := tlsutil.LoadClient(cfg.TLS.Client)
	if err != nil {
		return fmt.Errorf("setup peer tls: %w", err)
	}

	registry, closeRegistry, err := setupRegistry(ctx, cfg.Cluster, logger, metrics, monitor)
	if err != nil {
		return fmt.Errorf("setup cluster registry: %w", err)
	}
	defer closeRegistry()

	token, err := readClusterToken(cfg.Cluster.Token)
	if err != nil {
		return err
	}

	sessionOpts := sessionOptions(cfg.Session, logger)
	peerOpts := sessionOpts
	peerOpts.TLSConfig = clientTLS
	peerOpts.Observer = metrics

	c := cluster.New(cluster.Config{
		Node:      cfg.Cluster.Node,
		Advertise: cfg.Cluster.Advertise,
		Token:     token,
		Heartbeat: cfg.Cluster.Heartbeat.Duration(),
		Session:   peerOpts,
	}, registry, logger)
	defer c.Close()
	monitor.Register("cluster", clusterCheck(c, registry != nil, metrics))

	relayServer := relay.NewServer(relay.ServerConfig{
		Cluster:     c,
		Validator:   validator,
		Session:     sessionOpts,
		Logger:      logger,
		Metrics:     metrics,
		AcceptRate:  cfg.Server.AcceptRate,
		AcceptBurst: cfg.Server.AcceptBurst,
	})

	var certificates web.FingerprintSource
	var tlsConfig *tls.Config
	if tlsServer != nil {
		certificates = tlsServer
		tlsConfig = tlsServer.Config
	}
	admin := web.NewRouter(web.Config{
		Cluster:      c,
		Monitor:      monitor,
		Metrics:      metricsRegistry,
		Certificates: certificates,
		Logger:       logger,
	})

	servers := []*http.Server{}
	if cfg.Web.Listen == "" {
		// Admin routes share the relay listener; everything else is a session.
		admin.NotFoundHandler = relayServer
		servers = append(servers, newHTTPServer(cfg.Server.Listen, admin, tlsConfig))
	} else {
		servers = append(servers,
			newHTTPServer(cfg.Server.Listen, relayServer, tlsConfig),
			newHTTPServer(cfg.Web.Listen, admin, tlsConfig))
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		logger.Info("Listening", "addr", ln.Addr().String(), "tls", tlsConfig != nil)
		listeners = append(listeners, ln)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		g.Go(func() error {
			return serveHTTP(srv, listeners[i])
		})
	}

	g.Go(func() error {
		return c.Run(gctx)
	})
	g.Go(func() error {
		c.LogActive(gctx, cfg.Cluster.LogInterval.Duration())
		return nil
	})
	if interval := cfg.Health.Interval.Duration(); interval > 0 {
		g.Go(func() error {
			monitor.Run(gctx, interval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown incomplete", "addr", srv.Addr, "error", err)
			}
		}
		// Sessions are hijacked connections; Shutdown does not wait for them.
		relayServer.Close()
		return nil
	})

	slog.Info("moq-relay started", "node", c.Node())
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("moq-relay shutdown complete")
	return nil
}

func newHTTPServer(addr string, handler http.Handler, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	var err error
	if srv.TLSConfig != nil {
		err = srv.ServeTLS(ln, "", "")
	} else {
		err = srv.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
