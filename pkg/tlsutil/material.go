package tlsutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/padrelay/errors"
)

// Self-signed certificate defaults
const (
	DefaultHostname      = "localhost"
	DefaultValidity      = 365 * 24 * time.Hour
	DefaultKeyBits       = 2048
	ExpiryWarningWindow  = 30 * 24 * time.Hour
	CertFileName         = "server.crt"
	KeyFileName          = "server.key"
	certDirPerm          = 0o700
	secretFilePerm       = 0o600
	defaultCertDirSuffix = ".padrelay/certs"
)

// Material is a loaded certificate and key.
type Material struct {
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	NotAfter    time.Time
	CertPath    string
	KeyPath     string
	// SelfSigned is true for material this package generated and manages.
	SelfSigned bool
}

// ExpiryWarning is returned by CheckExpiry for certificates close to expiry.
type ExpiryWarning struct {
	NotAfter  time.Time
	Remaining time.Duration
	Expired   bool
}

func (w ExpiryWarning) String() string {
	if w.Expired {
		return fmt.Sprintf("certificate expired at %s", w.NotAfter.Format(time.RFC3339))
	}
	return fmt.Sprintf("certificate expires in %d days (%s)", int(w.Remaining.Hours()/24), w.NotAfter.Format(time.RFC3339))
}

// DefaultCertDir returns $HOME/.padrelay/certs.
func DefaultCertDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.WrapFatal(err, "tlsutil", "DefaultCertDir", "resolve home directory")
	}
	return filepath.Join(home, defaultCertDirSuffix), nil
}

// Manager loads, generates and monitors server TLS material.
type Manager struct {
	Dir      string
	Validity time.Duration
	KeyBits  int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// NewManager creates a manager that keeps self-signed material in dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Dir:      dir,
		Validity: DefaultValidity,
		KeyBits:  DefaultKeyBits,
		Clock:    clock.New(),
		Logger:   logger.With("component", "tls"),
	}
}

// Ensure returns usable material. When certPath and keyPath are both given
// they are loaded verbatim and never regenerated. Otherwise the self-signed
// pair in Dir is loaded, and regenerated when missing, unreadable or expired.
func (m *Manager) Ensure(certPath, keyPath, hostname string) (*Material, error) {
	if certPath != "" && keyPath != "" {
		mat, err := Load(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		m.Logger.Info("Loaded operator certificate",
			"cert", certPath, "not_after", mat.NotAfter, "fingerprint", Fingerprint(mat.Leaf))
		return mat, nil
	}
	if m.Dir == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: no certificate directory", errors.ErrTLS), "Manager", "Ensure", "resolve paths")
	}

	certPath = filepath.Join(m.Dir, CertFileName)
	keyPath = filepath.Join(m.Dir, KeyFileName)

	mat, err := Load(certPath, keyPath)
	switch {
	case err != nil:
		m.Logger.Info("Self-signed certificate unavailable, generating", "dir", m.Dir, "reason", err)
	case !m.Clock.Now().Before(mat.NotAfter):
		m.Logger.Warn("Self-signed certificate expired, regenerating", "not_after", mat.NotAfter)
	default:
		mat.SelfSigned = true
		m.Logger.Info("Loaded self-signed certificate",
			"cert", certPath, "not_after", mat.NotAfter, "fingerprint", Fingerprint(mat.Leaf))
		return mat, nil
	}

	return m.Generate(certPath, keyPath, hostname)
}

// Generate creates a self-signed RSA certificate for hostname and writes the
// pair with owner-only permissions.
func (m *Manager) Generate(certPath, keyPath, hostname string) (*Material, error) {
	if hostname == "" {
		hostname = DefaultHostname
	}
	bits := m.KeyBits
	if bits == 0 {
		bits = DefaultKeyBits
	}
	validity := m.Validity
	if validity == 0 {
		validity = DefaultValidity
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "Manager", "Generate", "generate key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "Manager", "Generate", "generate serial")
	}

	now := m.Clock.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"PadRelay"},
			CommonName:   hostname,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{DefaultHostname},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		if !ip.Equal(template.IPAddresses[0]) {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	} else if hostname != DefaultHostname {
		template.DNSNames = append(template.DNSNames, hostname)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "Manager", "Generate", "sign certificate")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := writeSecret(keyPath, keyPEM); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "Manager", "Generate", "write key")
	}
	if err := writeSecret(certPath, certPEM); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "Manager", "Generate", "write certificate")
	}

	mat, err := Load(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	mat.SelfSigned = true

	m.Logger.Info("Generated self-signed certificate",
		"cert", certPath, "hostname", hostname, "not_after", mat.NotAfter, "fingerprint", Fingerprint(mat.Leaf))
	return mat, nil
}

// Load reads a PEM certificate and key pair.
func Load(certPath, keyPath string) (*Material, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "tlsutil", "Load", "load key pair")
	}
	leaf := cert.Leaf
	if leaf == nil {
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "tlsutil", "Load", "parse certificate")
		}
		cert.Leaf = leaf
	}
	return &Material{
		Certificate: cert,
		Leaf:        leaf,
		NotAfter:    leaf.NotAfter,
		CertPath:    certPath,
		KeyPath:     keyPath,
	}, nil
}

// CheckExpiry returns a warning when fewer than 30 days of validity remain.
func CheckExpiry(m *Material, now time.Time) *ExpiryWarning {
	remaining := m.NotAfter.Sub(now)
	if remaining >= ExpiryWarningWindow {
		return nil
	}
	return &ExpiryWarning{
		NotAfter:  m.NotAfter,
		Remaining: remaining,
		Expired:   remaining <= 0,
	}
}

// Watch calls fn with the result of CheckExpiry immediately and then every
// interval until ctx is done. A nil warning means the certificate is fine.
func (m *Manager) Watch(ctx context.Context, mat *Material, interval time.Duration, fn func(remaining time.Duration, w *ExpiryWarning)) {
	check := func() {
		now := m.Clock.Now()
		w := CheckExpiry(mat, now)
		if w != nil {
			m.Logger.Warn("TLS certificate needs attention", "warning", w.String(), "self_signed", mat.SelfSigned)
		}
		fn(mat.NotAfter.Sub(now), w)
	}

	check()
	ticker := m.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func writeSecret(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, certDirPerm); err != nil {
		return err
	}
	if err := os.Chmod(dir, certDirPerm); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, secretFilePerm); err != nil {
		return err
	}
	if err := os.Chmod(tmp, secretFilePerm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
