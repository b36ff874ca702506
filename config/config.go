package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/WadkarNaved15/moq/pkg/security"
)

// Cluster registry backends.
const (
	RegistryNone   = ""
	RegistryStatic = "static"
	RegistryNATS   = "nats"
	RegistryRedis  = "redis"
)

// Config is the complete relay configuration.
type Config struct {
	Server  ServerConfig    `json:"server"`
	Web     WebConfig       `json:"web"`
	Auth    AuthConfig      `json:"auth"`
	TLS     security.Config `json:"tls,omitempty"`
	Session SessionConfig   `json:"session"`
	Cluster ClusterConfig   `json:"cluster"`
	Health  HealthConfig    `json:"health"`
}

// ServerConfig configures the relay listener.
type ServerConfig struct {
	Listen string `json:"listen"`
	// AcceptRate limits new connections per second; zero disables limiting.
	AcceptRate  float64 `json:"accept_rate,omitempty"`
	AcceptBurst int     `json:"accept_burst,omitempty"`
}

// WebConfig configures the admin HTTP endpoints. An empty Listen serves them
// on the relay listener.
type WebConfig struct {
	Listen string `json:"listen,omitempty"`
}

// AuthConfig selects how connect URLs are authorized.
type AuthConfig struct {
	// Key is the path of the base64url HS256 key file.
	Key string `json:"key,omitempty"`
	// Public is a path prefix anyone may use without a token.
	Public *string `json:"public,omitempty"`
}

// SessionConfig tunes every transport session.
type SessionConfig struct {
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty"`
	WriteTimeout     Duration `json:"write_timeout,omitempty"`
	PingInterval     Duration `json:"ping_interval,omitempty"`
	ReadLimit        int64    `json:"read_limit,omitempty"`
}

// ClusterConfig places the relay in a cluster.
type ClusterConfig struct {
	Node      string `json:"node,omitempty"`
	Advertise string `json:"advertise,omitempty"`
	// Token is the path of a file holding the token presented to peers.
	Token       string      `json:"token,omitempty"`
	Registry    string      `json:"registry,omitempty"`
	Peers       []string    `json:"peers,omitempty"`
	Heartbeat   Duration    `json:"heartbeat,omitempty"`
	TTL         Duration    `json:"ttl,omitempty"`
	LogInterval Duration    `json:"log_interval,omitempty"`
	NATS        NATSConfig  `json:"nats,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
}

// NATSConfig is the connection used by the NATS membership registry.
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty"`
	Bucket        string   `json:"bucket,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
	PingInterval  Duration `json:"ping_interval,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
}

// RedisConfig is the connection used by the Redis membership registry.
type RedisConfig struct {
	Addrs    []string `json:"addrs,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	DB       int      `json:"db,omitempty"`
	Prefix   string   `json:"prefix,omitempty"`
}

// HealthConfig configures the periodic health checks.
type HealthConfig struct {
	Interval Duration `json:"interval,omitempty"`
}

// Duration is a time.Duration written as a string such as "5s" or "14d".
// Plain numbers are read as nanoseconds.
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := parseDurationWithDays(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case nil:
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Redacted returns a copy with credentials blanked, for logging.
func (c *Config) Redacted() *Config {
	r := c.Clone()
	const mask = "***"
	if r.Cluster.NATS.Password != "" {
		r.Cluster.NATS.Password = mask
	}
	if r.Cluster.NATS.Token != "" {
		r.Cluster.NATS.Token = mask
	}
	if r.Cluster.Redis.Password != "" {
		r.Cluster.Redis.Password = mask
	}
	return r
}

// String returns a JSON representation of the config with credentials
// redacted.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// Validate checks that the configuration can start a relay.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if c.Server.AcceptRate < 0 || c.Server.AcceptBurst < 0 {
		return errors.New("server.accept_rate and server.accept_burst must not be negative")
	}

	if c.Auth.Key == "" && c.Auth.Public == nil {
		return errors.New("auth.key or auth.public is required")
	}
	if c.Auth.Key != "" {
		if _, err := os.Stat(c.Auth.Key); err != nil {
			return fmt.Errorf("auth.key: %w", err)
		}
	}

	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("tls configuration: %w", err)
	}

	for name, d := range map[string]Duration{
		"session.handshake_timeout":  c.Session.HandshakeTimeout,
		"session.write_timeout":      c.Session.WriteTimeout,
		"session.ping_interval":      c.Session.PingInterval,
		"cluster.heartbeat":          c.Cluster.Heartbeat,
		"cluster.ttl":                c.Cluster.TTL,
		"cluster.log_interval":       c.Cluster.LogInterval,
		"cluster.nats.ping_interval": c.Cluster.NATS.PingInterval,
		"health.interval":            c.Health.Interval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if err := c.validateCluster(); err != nil {
		return fmt.Errorf("cluster configuration: %w", err)
	}
	return nil
}

func (c *Config) validateCluster() error {
	cl := c.Cluster
	switch cl.Registry {
	case RegistryNone:
		return nil
	case RegistryStatic:
		if len(cl.Peers) == 0 {
			return errors.New("cluster.peers is required for the static registry")
		}
	case RegistryNATS:
		if len(cl.NATS.URLs) == 0 {
			return errors.New("cluster.nats.urls is required for the nats registry")
		}
		if cl.Advertise == "" {
			return errors.New("cluster.advertise is required for the nats registry")
		}
	case RegistryRedis:
		if len(cl.Redis.Addrs) == 0 {
			return errors.New("cluster.redis.addrs is required for the redis registry")
		}
		if cl.Advertise == "" {
			return errors.New("cluster.advertise is required for the redis registry")
		}
	default:
		return fmt.Errorf("unknown cluster.registry %q", cl.Registry)
	}
	if cl.Token != "" {
		if _, err := os.Stat(cl.Token); err != nil {
			return fmt.Errorf("cluster.token: %w", err)
		}
	}
	if cl.TTL > 0 && cl.Heartbeat > 0 && cl.TTL <= cl.Heartbeat {
		return errors.New("cluster.ttl must be longer than cluster.heartbeat")
	}
	return nil
}

// validateSecurity validates the TLS configuration
func (c *Config) validateSecurity() error {
	server := c.TLS.Server
	if server.Enabled {
		switch server.ServerMode() {
		case security.ModeManual:
			if server.CertFile == "" || server.KeyFile == "" {
				return errors.New("tls.server.cert_file and tls.server.key_file are required in manual mode")
			}
			if err := statFiles("tls.server", server.CertFile, server.KeyFile); err != nil {
				return err
			}
		case security.ModeGenerate:
			if len(server.Generate) == 0 {
				return errors.New("tls.server.generate needs at least one hostname")
			}
		case security.ModeACME:
			acme := server.ACME
			if acme.DirectoryURL == "" || acme.Email == "" || len(acme.Domains) == 0 || acme.StoragePath == "" {
				return errors.New("tls.server.acme needs directory_url, email, domains and storage_path")
			}
		default:
			return fmt.Errorf("unknown tls.server.mode %q", server.Mode)
		}
		if server.MinVersion != "" {
			if err := validateTLSVersion(server.MinVersion); err != nil {
				return fmt.Errorf("tls.server.min_version: %w", err)
			}
		}
		if server.MTLS.Enabled {
			if err := statFiles("tls.server.mtls.client_ca_files", server.MTLS.ClientCAFiles...); err != nil {
				return err
			}
		}
	}

	client := c.TLS.Client
	if err := statFiles("tls.client.ca_files", client.CAFiles...); err != nil {
		return err
	}
	if client.MinVersion != "" {
		if err := validateTLSVersion(client.MinVersion); err != nil {
			return fmt.Errorf("tls.client.min_version: %w", err)
		}
	}
	if client.InsecureSkipVerify {
		slog.Warn("TLS certificate verification is disabled for peer connections (insecure_skip_verify=true)")
	}
	return nil
}

func statFiles(field string, files ...string) error {
	for i, f := range files {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("%s[%d]: %w", field, i, err)
		}
	}
	return nil
}

// validateTLSVersion checks if a TLS version string is valid
func validateTLSVersion(version string) error {
	switch version {
	case "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}
