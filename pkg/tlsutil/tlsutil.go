// Package tlsutil builds TLS configurations for the relay listener and for
// cluster peer dialing.
package tlsutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"github.com/WadkarNaved15/moq/errors"
	"github.com/WadkarNaved15/moq/pkg/acme"
	"github.com/WadkarNaved15/moq/pkg/security"
)

// GeneratedValidity is the lifetime of generated certificates. Browsers only
// accept certificates pinned by hash when they are valid for at most 14 days.
const GeneratedValidity = 14 * 24 * time.Hour

// renewalCheck is how often ACME certificates are checked for renewal.
const renewalCheck = time.Hour

// Server holds the listener certificate. The certificate can be replaced at
// runtime; Config always serves the current one.
type Server struct {
	Config *tls.Config

	mu           sync.RWMutex
	cert         *tls.Certificate
	fingerprints []string
	cleanup      func()
}

// LoadServer builds the listener TLS state for cfg. It returns nil when TLS
// is disabled. ACME mode falls back to the manual certificate when the ACME
// directory cannot be reached and a certificate is configured.
func LoadServer(ctx context.Context, cfg security.ServerTLSConfig, logger *slog.Logger) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cleanup: func() {}}
	s.Config = &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return s.cert, nil
		},
	}

	var (
		cert *tls.Certificate
		err  error
	)
	switch cfg.ServerMode() {
	case security.ModeGenerate:
		var generated tls.Certificate
		if generated, err = GenerateSelfSigned(cfg.Generate, GeneratedValidity); err == nil {
			cert = &generated
			logger.Info("Generated self-signed certificate", "hosts", cfg.Generate)
		}
	case security.ModeACME:
		cert, err = s.loadACME(ctx, cfg, logger)
	case security.ModeManual:
		cert, err = loadKeyPair(cfg.CertFile, cfg.KeyFile)
	default:
		err = errors.WrapInvalid(fmt.Errorf("unknown tls mode %q", cfg.Mode), "tlsutil", "LoadServer", "select mode")
	}
	if err != nil {
		return nil, err
	}
	if err := s.setCertificate(cert); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.MTLS.Enabled {
		if err := applyMTLSConfig(s.Config, cfg.MTLS); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) loadACME(ctx context.Context, cfg security.ServerTLSConfig, logger *slog.Logger) (*tls.Certificate, error) {
	fallback := func(cause error) (*tls.Certificate, error) {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, cause
		}
		logger.Warn("ACME unavailable, using configured certificate", "error", cause)
		return loadKeyPair(cfg.CertFile, cfg.KeyFile)
	}

	renewBefore, err := time.ParseDuration(cfg.ACME.RenewBefore)
	if err != nil {
		renewBefore = acme.DefaultRenewBefore
	}
	client, err := acme.NewClient(acme.Config{
		DirectoryURL:  cfg.ACME.DirectoryURL,
		Email:         cfg.ACME.Email,
		Domains:       cfg.ACME.Domains,
		ChallengeType: cfg.ACME.ChallengeType,
		RenewBefore:   renewBefore,
		StoragePath:   cfg.ACME.StoragePath,
		CABundle:      cfg.ACME.CABundle,
		Logger:        logger,
	})
	if err != nil {
		return fallback(err)
	}
	cert, err := client.Certificate(ctx)
	if err != nil {
		return fallback(errors.WrapTransient(err, "tlsutil", "LoadServer", "obtain ACME certificate"))
	}

	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.StartRenewalLoop(renewCtx, renewalCheck, func(renewed *tls.Certificate) {
			if err := s.setCertificate(renewed); err != nil {
				logger.Warn("Failed to install renewed certificate", "error", err)
			}
		})
	}()
	s.cleanup = func() {
		cancel()
		<-done
	}
	return cert, nil
}

func (s *Server) setCertificate(cert *tls.Certificate) error {
	fp, err := Fingerprint(cert)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cert = cert
	s.fingerprints = []string{fp}
	return nil
}

// Certificate returns the certificate currently served.
func (s *Server) Certificate() *tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert
}

// Fingerprints returns the hex SHA-256 digests of the served certificates.
func (s *Server) Fingerprints() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.fingerprints...)
}

// Close stops certificate renewal.
func (s *Server) Close() {
	if s != nil {
		s.cleanup()
	}
}

func loadKeyPair(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServer", "load certificate")
	}
	return &cert, nil
}

// Fingerprint returns the hex SHA-256 digest of the certificate's leaf.
func Fingerprint(cert *tls.Certificate) (string, error) {
	if cert == nil || len(cert.Certificate) == 0 {
		return "", errors.WrapInvalid(fmt.Errorf("empty certificate"), "tlsutil", "Fingerprint", "read leaf")
	}
	sum := sha256.Sum256(cert.Certificate[0])
	return hex.EncodeToString(sum[:]), nil
}

// GenerateSelfSigned creates an ECDSA P-256 certificate for hosts. Entries
// that parse as IP addresses become IP SANs.
func GenerateSelfSigned(hosts []string, validity time.Duration) (tls.Certificate, error) {
	if len(hosts) == 0 {
		return tls.Certificate{}, errors.WrapInvalid(fmt.Errorf("no hostnames"), "tlsutil", "GenerateSelfSigned", "check hosts")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, errors.WrapFatal(err, "tlsutil", "GenerateSelfSigned", "generate key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, errors.WrapFatal(err, "tlsutil", "GenerateSelfSigned", "generate serial")
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hosts[0]},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity - time.Minute),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, errors.WrapFatal(err, "tlsutil", "GenerateSelfSigned", "create certificate")
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, errors.WrapFatal(err, "tlsutil", "GenerateSelfSigned", "parse certificate")
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, nil
}

// LoadClient creates the tls.Config used to dial peers. The system CA bundle
// is always trusted; CAFiles are added to it.
func LoadClient(cfg security.ClientTLSConfig) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendPEMFiles(rootCAs, cfg.CAFiles, "LoadClient"); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
		RootCAs:    rootCAs,
		// Operators opt in through configuration.
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
	}

	if cfg.MTLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.MTLS.CertFile, cfg.MTLS.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClient", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func appendPEMFiles(pool *x509.CertPool, files []string, method string) error {
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", method, fmt.Sprintf("read CA file %s", file))
		}
		if !pool.AppendCertsFromPEM(data) {
			return errors.WrapFatal(fmt.Errorf("invalid PEM data"), "tlsutil", method,
				fmt.Sprintf("parse CA certificate from %s", file))
		}
	}
	return nil
}

func applyMTLSConfig(tlsConfig *tls.Config, cfg security.ServerMTLSConfig) error {
	clientCAs := x509.NewCertPool()
	if err := appendPEMFiles(clientCAs, cfg.ClientCAFiles, "applyMTLSConfig"); err != nil {
		return err
	}

	tlsConfig.ClientCAs = clientCAs
	if cfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(chains, cfg.AllowedClientCNs)
		}
	}
	return nil
}

func verifyAllowedClientCN(chains [][]*x509.Certificate, allowed []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}
	cn := chains[0][0].Subject.CommonName
	for _, a := range allowed {
		if cn == a {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", cn)
}

// parseTLSVersion defaults to TLS 1.2.
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
