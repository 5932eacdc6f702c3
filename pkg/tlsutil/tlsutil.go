// Package tlsutil manages the relay's TLS material and builds hardened
// tls.Config values for servers and clients.
package tlsutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/pkg/security"
)

// cipherSuites is the TLS 1.2 allow-list: ECDHE key exchange with AEAD
// ciphers only. TLS 1.3 suites are fixed by crypto/tls and are all AEAD.
var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

// CipherSuites returns a copy of the allowed TLS 1.2 cipher suites.
func CipherSuites() []uint16 {
	return append([]uint16(nil), cipherSuites...)
}

// ServerConfig builds the listener configuration for m.
func ServerConfig(m *Material, minVersion string) *tls.Config {
	return &tls.Config{
		Certificates:  []tls.Certificate{m.Certificate},
		MinVersion:    parseTLSVersion(minVersion),
		CipherSuites:  CipherSuites(),
		Renegotiation: tls.RenegotiateNever,
	}
}

// LoadServerTLSConfig creates a tls.Config from operator-provided files.
// It returns nil when TLS is disabled.
func LoadServerTLSConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
		CipherSuites: CipherSuites(),
	}, nil
}

// LoadClientTLSConfig creates a tls.Config for dialing the relay. CAFiles are
// trusted in addition to the system pool. Without CAFiles the chain is not
// verified; PinnedSHA256, when set, still binds the connection to one
// certificate.
func LoadClientTLSConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:   parseTLSVersion(cfg.MinVersion),
		CipherSuites: CipherSuites(),
		ServerName:   cfg.ServerName,
	}

	if len(cfg.CAFiles) > 0 {
		rootCAs, err := x509.SystemCertPool()
		if err != nil {
			rootCAs = x509.NewCertPool()
		}
		for _, caFile := range cfg.CAFiles {
			caPEM, err := os.ReadFile(caFile)
			if err != nil {
				return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "tlsutil", "LoadClientTLSConfig", "read CA file")
			}
			if !rootCAs.AppendCertsFromPEM(caPEM) {
				return nil, errors.WrapFatal(fmt.Errorf("%w: invalid PEM data in %s", errors.ErrTLS, caFile),
					"tlsutil", "LoadClientTLSConfig", "parse CA certificate")
			}
		}
		tlsConfig.RootCAs = rootCAs
	}

	if !cfg.VerifiesChain() {
		tlsConfig.InsecureSkipVerify = true
	}

	if cfg.PinnedSHA256 != "" {
		want, err := hex.DecodeString(strings.ReplaceAll(strings.ToLower(cfg.PinnedSHA256), ":", ""))
		if err != nil || len(want) != sha256.Size {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: pinned fingerprint must be 32 hex bytes", errors.ErrInvalidConfig),
				"tlsutil", "LoadClientTLSConfig", "parse pinned fingerprint")
		}
		tlsConfig.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("%w: no peer certificate", errors.ErrTLS)
			}
			got := sha256.Sum256(cs.PeerCertificates[0].Raw)
			if subtle.ConstantTimeCompare(got[:], want) != 1 {
				return fmt.Errorf("%w: certificate fingerprint mismatch", errors.ErrTLS)
			}
			return nil
		}
	}

	return tlsConfig, nil
}

// Fingerprint returns the colon-free hex SHA-256 of a certificate's DER bytes.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// parseTLSVersion converts version string to crypto/tls constant
// Returns tls.VersionTLS12 if empty or invalid
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
