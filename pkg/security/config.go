// Package security holds the TLS settings shared by the relay listener, the
// admin web server and cluster peer dialing.
package security

// TLS modes for the relay listener.
const (
	ModeManual   = "manual"
	ModeGenerate = "generate"
	ModeACME     = "acme"
)

// Config holds the relay's TLS configuration.
type Config struct {
	Server ServerTLSConfig `json:"server,omitempty"`
	Client ClientTLSConfig `json:"client,omitempty"`
}

// ACMEConfig holds ACME client configuration for automated certificate management
type ACMEConfig struct {
	DirectoryURL  string   `json:"directory_url,omitempty"`
	Email         string   `json:"email,omitempty"`
	Domains       []string `json:"domains,omitempty"`
	ChallengeType string   `json:"challenge_type,omitempty"` // "http-01" or "tls-alpn-01"
	RenewBefore   string   `json:"renew_before,omitempty"`   // e.g. "8h"
	StoragePath   string   `json:"storage_path,omitempty"`
	CABundle      string   `json:"ca_bundle,omitempty"`
}

// ServerMTLSConfig requests client certificates from peers.
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"`
}

// ServerTLSConfig configures the relay listener. Disabled means plain ws://.
type ServerTLSConfig struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode,omitempty"` // manual (default), generate or acme

	// manual
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`

	// generate: short-lived self-signed certificate for these hostnames,
	// published through /certificate.sha256.
	Generate []string `json:"generate,omitempty"`

	MinVersion string           `json:"min_version,omitempty"` // "1.2" or "1.3"
	ACME       ACMEConfig       `json:"acme,omitempty"`
	MTLS       ServerMTLSConfig `json:"mtls,omitempty"`
}

// ClientMTLSConfig is the certificate this relay presents when dialing peers.
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}

// ClientTLSConfig configures outbound peer connections. The system CA bundle
// is always trusted; CAFiles are added to it.
type ClientTLSConfig struct {
	CAFiles            []string         `json:"ca_files,omitempty"`
	InsecureSkipVerify bool             `json:"insecure_skip_verify,omitempty"` // development only
	MinVersion         string           `json:"min_version,omitempty"`
	MTLS               ClientMTLSConfig `json:"mtls,omitempty"`
}

// ServerMode returns the configured listener mode, defaulting to manual.
func (c ServerTLSConfig) ServerMode() string {
	if c.Mode == "" {
		return ModeManual
	}
	return c.Mode
}
