package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/WadkarNaved15/moq/pkg/security"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MOQ_RELAY"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, then each file layer, then environment overrides,
// and validates the result when validation is enabled.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Listen: "[::]:443"},
		Session: SessionConfig{
			HandshakeTimeout: Duration(10 * time.Second),
			WriteTimeout:     Duration(10 * time.Second),
			PingInterval:     Duration(15 * time.Second),
			ReadLimit:        4 << 20,
		},
		Cluster: ClusterConfig{
			Heartbeat:   Duration(10 * time.Second),
			TTL:         Duration(30 * time.Second),
			LogInterval: Duration(5 * time.Second),
			NATS: NATSConfig{
				Bucket:        "moq_nodes",
				MaxReconnects: -1,
				ReconnectWait: Duration(2 * time.Second),
			},
			Redis: RedisConfig{Prefix: "moq:node:"},
		},
		Health: HealthConfig{Interval: Duration(10 * time.Second)},
	}
}

// loadRaw reads a JSON or YAML file into a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies MOQ_RELAY_* environment variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		v, ok := l.lookupEnv(l.envPrefix + "_" + name)
		if !ok || v == "" {
			return nil
		}
		if err := validateEnvVar(l.envPrefix+"_"+name, v); err != nil {
			return err
		}
		*dst = v
		return nil
	}
	list := func(name string, dst *[]string) error {
		var v string
		if err := str(name, &v); err != nil || v == "" {
			return err
		}
		*dst = strings.Split(v, ",")
		return nil
	}

	var public string
	overrides := []error{
		str("LISTEN", &cfg.Server.Listen),
		str("WEB_LISTEN", &cfg.Web.Listen),
		str("AUTH_KEY", &cfg.Auth.Key),
		str("AUTH_PUBLIC", &public),
		str("TLS_CERT", &cfg.TLS.Server.CertFile),
		str("TLS_KEY", &cfg.TLS.Server.KeyFile),
		list("TLS_GENERATE", &cfg.TLS.Server.Generate),
		str("CLUSTER_NODE", &cfg.Cluster.Node),
		str("CLUSTER_ADVERTISE", &cfg.Cluster.Advertise),
		str("CLUSTER_TOKEN", &cfg.Cluster.Token),
		str("CLUSTER_REGISTRY", &cfg.Cluster.Registry),
		list("CLUSTER_PEERS", &cfg.Cluster.Peers),
		list("NATS_URLS", &cfg.Cluster.NATS.URLs),
		str("NATS_USERNAME", &cfg.Cluster.NATS.Username),
		str("NATS_PASSWORD", &cfg.Cluster.NATS.Password),
		str("NATS_TOKEN", &cfg.Cluster.NATS.Token),
		list("REDIS_ADDRS", &cfg.Cluster.Redis.Addrs),
		str("REDIS_PASSWORD", &cfg.Cluster.Redis.Password),
	}
	for _, err := range overrides {
		if err != nil {
			return err
		}
	}
	if public != "" {
		cfg.Auth.Public = &public
	}

	if v, ok := l.lookupEnv(l.envPrefix + "_ACCEPT_RATE"); ok && v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s_ACCEPT_RATE: %w", l.envPrefix, err)
		}
		cfg.Server.AcceptRate = rate
	}
	if l.isSet("TLS_CERT") {
		cfg.TLS.Server.Enabled = true
	}
	if l.isSet("TLS_GENERATE") {
		cfg.TLS.Server.Enabled = true
		cfg.TLS.Server.Mode = security.ModeGenerate
	}
	return nil
}

func (l *Loader) isSet(name string) bool {
	v, ok := l.lookupEnv(l.envPrefix + "_" + name)
	return ok && v != ""
}
