// Package acme obtains and renews the relay's listener certificate from an
// ACME directory using lego.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/WadkarNaved15/moq/errors"
)

const (
	accountFile = "account.json"
	accountKey  = "account.key"
	certFile    = "relay.pem"
	keyFile     = "relay.key"

	challengeHTTP01    = "http-01"
	challengeTLSALPN01 = "tls-alpn-01"
)

// DefaultRenewBefore is how long before expiry a certificate is renewed.
const DefaultRenewBefore = 8 * time.Hour

// Config holds ACME client configuration.
type Config struct {
	DirectoryURL  string
	Email         string
	Domains       []string
	ChallengeType string
	RenewBefore   time.Duration
	StoragePath   string
	CABundle      string
	Logger        *slog.Logger
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	invalid := func(msg, action string) error {
		return errors.WrapInvalid(fmt.Errorf("%s", msg), "acme.Config", "Validate", action)
	}
	switch {
	case c.DirectoryURL == "":
		return invalid("directory_url is required", "check directory URL")
	case c.Email == "":
		return invalid("email is required", "check email")
	case len(c.Domains) == 0:
		return invalid("at least one domain is required", "check domains")
	case c.StoragePath == "":
		return invalid("storage_path is required", "check storage path")
	}
	switch c.ChallengeType {
	case "":
		c.ChallengeType = challengeHTTP01
	case challengeHTTP01, challengeTLSALPN01:
	default:
		return invalid("challenge_type must be 'http-01' or 'tls-alpn-01'", "check challenge type")
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = DefaultRenewBefore
	}
	return nil
}

// Account is the registration persisted under StoragePath.
type Account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

// GetEmail implements registration.User.
func (a *Account) GetEmail() string { return a.Email }

// GetRegistration implements registration.User.
func (a *Account) GetRegistration() *registration.Resource { return a.Registration }

// GetPrivateKey implements registration.User.
func (a *Account) GetPrivateKey() crypto.PrivateKey { return a.key }

// Client manages the certificate lifecycle for one set of domains.
type Client struct {
	config  Config
	lego    *lego.Client
	account *Account
	logger  *slog.Logger
}

// NewClient loads or creates the account under cfg.StoragePath and registers
// it with the directory when needed.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o700); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "NewClient", "create storage directory")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		config: cfg,
		logger: logger.With("component", "acme", "domains", cfg.Domains),
	}
	if err := c.loadOrCreateAccount(); err != nil {
		return nil, err
	}
	if err := c.initLego(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) path(name string) string {
	return filepath.Join(c.config.StoragePath, name)
}

func (c *Client) loadOrCreateAccount() error {
	data, err := os.ReadFile(c.path(accountFile))
	if os.IsNotExist(err) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "generate account key")
		}
		c.account = &Account{Email: c.config.Email, key: key}
		return c.saveAccount()
	}
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "read account file")
	}

	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "unmarshal account")
	}
	keyPEM, err := os.ReadFile(c.path(accountKey))
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "read account key")
	}
	account.key, err = certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "loadOrCreateAccount", "parse account key")
	}
	c.account = &account
	return nil
}

func (c *Client) saveAccount() error {
	data, err := json.MarshalIndent(c.account, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "marshal account")
	}
	if err := os.WriteFile(c.path(accountFile), data, 0o600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write account file")
	}
	if err := os.WriteFile(c.path(accountKey), certcrypto.PEMEncode(c.account.key), 0o600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write account key")
	}
	return nil
}

func (c *Client) initLego() error {
	config := lego.NewConfig(c.account)
	config.CADirURL = c.config.DirectoryURL
	config.Certificate.KeyType = certcrypto.EC256

	if c.config.CABundle != "" {
		pool, err := loadPool(c.config.CABundle)
		if err != nil {
			return err
		}
		config.HTTPClient = &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
		}
	}

	client, err := lego.NewClient(config)
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "initLego", "create lego client")
	}

	switch c.config.ChallengeType {
	case challengeTLSALPN01:
		err = client.Challenge.SetTLSALPN01Provider(tlsalpn01.NewProviderServer("", "443"))
	default:
		err = client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "80"))
	}
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "initLego", "set up "+c.config.ChallengeType+" challenge")
	}

	if c.account.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return errors.WrapTransient(err, "acme.Client", "initLego", "register account")
		}
		c.account.Registration = reg
		if err := c.saveAccount(); err != nil {
			return err
		}
		c.logger.Info("Registered ACME account", "email", c.account.Email)
	}

	c.lego = client
	return nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "loadPool", "read CA bundle")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.WrapFatal(fmt.Errorf("no certificates in %s", path), "acme.Client", "loadPool", "parse CA bundle")
	}
	return pool, nil
}

func (c *Client) store(res *certificate.Resource) (*tls.Certificate, error) {
	if err := os.WriteFile(c.path(certFile), res.Certificate, 0o644); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "store", "write certificate")
	}
	if err := os.WriteFile(c.path(keyFile), res.PrivateKey, 0o600); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "store", "write private key")
	}
	cert, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "store", "load certificate")
	}
	return &cert, nil
}

// ObtainCertificate requests a new certificate and stores it.
func (c *Client) ObtainCertificate(_ context.Context) (*tls.Certificate, error) {
	res, err := c.lego.Certificate.Obtain(certificate.ObtainRequest{
		Domains: c.config.Domains,
		Bundle:  true,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "acme.Client", "ObtainCertificate", "obtain certificate")
	}
	c.logger.Info("Obtained certificate")
	return c.store(res)
}

// Stored returns the certificate on disk, or nil when there is none.
func (c *Client) Stored() (*tls.Certificate, error) {
	if _, err := os.Stat(c.path(certFile)); os.IsNotExist(err) {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.path(certFile), c.path(keyFile))
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "Stored", "load stored certificate")
	}
	return &cert, nil
}

// NeedsRenewal reports whether cert expires within the renewal window.
func (c *Client) NeedsRenewal(cert *tls.Certificate, now time.Time) (bool, error) {
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return false, errors.WrapFatal(err, "acme.Client", "NeedsRenewal", "parse certificate")
	}
	return !now.Before(leaf.NotAfter.Add(-c.config.RenewBefore)), nil
}

// RenewCertificateIfNeeded renews the stored certificate when it is inside
// the renewal window. It returns nil without error when nothing is stored.
func (c *Client) RenewCertificateIfNeeded(ctx context.Context) (*tls.Certificate, bool, error) {
	stored, err := c.Stored()
	if err != nil || stored == nil {
		return nil, false, err
	}
	renew, err := c.NeedsRenewal(stored, time.Now())
	if err != nil || !renew {
		return stored, false, err
	}

	certPEM, err := os.ReadFile(c.path(certFile))
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "RenewCertificateIfNeeded", "read certificate")
	}
	res, err := c.lego.Certificate.Renew(certificate.Resource{
		Domain:      c.config.Domains[0],
		Certificate: certPEM,
	}, true, false, "")
	if err != nil {
		return nil, false, errors.WrapTransient(err, "acme.Client", "RenewCertificateIfNeeded", "renew certificate")
	}
	cert, err := c.store(res)
	if err != nil {
		return nil, false, err
	}
	c.logger.Info("Renewed certificate")
	return cert, true, nil
}

// Certificate returns a valid certificate, renewing or obtaining one as
// needed.
func (c *Client) Certificate(ctx context.Context) (*tls.Certificate, error) {
	cert, _, err := c.RenewCertificateIfNeeded(ctx)
	if err == nil && cert != nil {
		return cert, nil
	}
	if err != nil {
		c.logger.Warn("Renewal failed, obtaining a new certificate", "error", err)
	}
	return c.ObtainCertificate(ctx)
}

// StartRenewalLoop checks for renewal every interval until ctx is done.
func (c *Client) StartRenewalLoop(ctx context.Context, interval time.Duration, onRenewal func(*tls.Certificate)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cert, renewed, err := c.RenewCertificateIfNeeded(ctx)
			if err != nil {
				c.logger.Warn("Certificate renewal failed", "error", err)
				continue
			}
			if renewed && onRenewal != nil {
				onRenewal(cert)
			}
		}
	}
}
