package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const devCertValidity = 90 * 24 * time.Hour

// DevCertGenerator issues and caches a self-signed certificate for local runs.
type DevCertGenerator struct {
	certDir string
	logger  *zap.Logger

	mu     sync.Mutex
	cached *tls.Certificate
}

func NewDevCertGenerator(certDir string, logger *zap.Logger) *DevCertGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DevCertGenerator{certDir: certDir, logger: logger}
}

func (d *DevCertGenerator) paths() (string, string) {
	return filepath.Join(d.certDir, "dev-cert.pem"), filepath.Join(d.certDir, "dev-key.pem")
}

// GenerateCert returns the cached certificate, the one on disk if it is still
// valid, or a freshly issued one covering hosts.
func (d *DevCertGenerator) GenerateCert(hosts []string) (tls.Certificate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil && validAt(d.cached.Leaf, time.Now()) {
		return *d.cached, nil
	}

	certPath, keyPath := d.paths()
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil && validAt(cert.Leaf, time.Now()) {
		d.cached = &cert
		return cert, nil
	}

	cert, err := d.issue(hosts, certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, err
	}
	d.cached = &cert
	return cert, nil
}

func (d *DevCertGenerator) issue(hosts []string, certPath, keyPath string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"NameGuard Development"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(devCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	// A read-only cert dir still yields a usable in-memory certificate.
	if err := os.MkdirAll(d.certDir, 0o700); err == nil {
		if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
			d.logger.Warn("Could not persist dev certificate", zap.Error(err))
		} else if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
			d.logger.Warn("Could not persist dev key", zap.Error(err))
		}
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load generated certificate: %w", err)
	}
	d.logger.Info("Issued self-signed certificate", zap.Strings("hosts", hosts), zap.Time("not_after", template.NotAfter))
	return cert, nil
}

// validAt treats a missing leaf as invalid so the pair is reissued.
func validAt(leaf *x509.Certificate, t time.Time) bool {
	return leaf != nil && t.After(leaf.NotBefore) && t.Before(leaf.NotAfter)
}
