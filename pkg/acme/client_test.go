package acme

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		DirectoryURL: "https://ca.example.net/acme/directory",
		Email:        "ops@example.net",
		Domains:      []string{"relay.example.net"},
		StoragePath:  "/var/lib/moq-relay/acme",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "tls-alpn-01", mutate: func(c *Config) { c.ChallengeType = "tls-alpn-01" }},
		{name: "missing directory", mutate: func(c *Config) { c.DirectoryURL = "" }, errMsg: "directory_url is required"},
		{name: "missing email", mutate: func(c *Config) { c.Email = "" }, errMsg: "email is required"},
		{name: "missing domains", mutate: func(c *Config) { c.Domains = nil }, errMsg: "at least one domain is required"},
		{name: "missing storage", mutate: func(c *Config) { c.StoragePath = "" }, errMsg: "storage_path is required"},
		{name: "dns-01 unsupported", mutate: func(c *Config) { c.ChallengeType = "dns-01" }, errMsg: "challenge_type must be"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_ValidateDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultRenewBefore, cfg.RenewBefore)
	assert.Equal(t, "http-01", cfg.ChallengeType)
}

func TestAccount_Accessors(t *testing.T) {
	account := &Account{Email: "ops@example.net"}
	assert.Equal(t, "ops@example.net", account.GetEmail())
	assert.Nil(t, account.GetRegistration())
	assert.Nil(t, account.GetPrivateKey())
}

func TestAccount_PersistsAcrossLoads(t *testing.T) {
	cfg := validConfig()
	cfg.StoragePath = t.TempDir()

	first := &Client{config: cfg}
	require.NoError(t, first.loadOrCreateAccount())
	assert.FileExists(t, filepath.Join(cfg.StoragePath, "account.json"))
	assert.FileExists(t, filepath.Join(cfg.StoragePath, "account.key"))

	second := &Client{config: cfg}
	require.NoError(t, second.loadOrCreateAccount())
	assert.Equal(t, "ops@example.net", second.account.Email)

	key, ok := second.account.GetPrivateKey().(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, key.Equal(first.account.GetPrivateKey()))
}

func writeCert(t *testing.T, dir string, notAfter time.Time) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.example.net"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, certFile),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, keyFile),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
}

func TestClient_Stored(t *testing.T) {
	dir := t.TempDir()
	c := &Client{config: Config{StoragePath: dir, RenewBefore: time.Hour}}

	cert, err := c.Stored()
	require.NoError(t, err)
	assert.Nil(t, cert)

	writeCert(t, dir, time.Now().Add(24*time.Hour))
	cert, err = c.Stored()
	require.NoError(t, err)
	require.NotNil(t, cert)
}

func TestClient_NeedsRenewal(t *testing.T) {
	dir := t.TempDir()
	c := &Client{config: Config{StoragePath: dir, RenewBefore: time.Hour}}
	writeCert(t, dir, time.Now().Add(2*time.Hour))

	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, certFile), filepath.Join(dir, keyFile))
	require.NoError(t, err)

	renew, err := c.NeedsRenewal(&cert, time.Now())
	require.NoError(t, err)
	assert.False(t, renew)

	renew, err = c.NeedsRenewal(&cert, time.Now().Add(90*time.Minute))
	require.NoError(t, err)
	assert.True(t, renew)
}

func TestNewClient_CreatesStorage(t *testing.T) {
	cfg := validConfig()
	cfg.StoragePath = filepath.Join(t.TempDir(), "acme")
	cfg.DirectoryURL = "http://127.0.0.1:1/directory"

	_, err := NewClient(cfg)
	require.Error(t, err)

	info, statErr := os.Stat(cfg.StoragePath)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}
