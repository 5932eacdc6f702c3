// Package security holds TLS configuration types shared by the relay
// listener, the client and the metrics endpoint.
package security

// Config holds process-wide security configuration
type Config struct {
	TLS TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// TLSConfig groups server and client TLS settings
type TLSConfig struct {
	Server ServerTLSConfig `json:"server,omitempty" yaml:"server,omitempty"`
	Client ClientTLSConfig `json:"client,omitempty" yaml:"client,omitempty"`
}

// ServerTLSConfig configures a TLS listener.
//
// When CertFile and KeyFile are both set the operator owns the material and it
// is loaded verbatim. Otherwise a self-signed certificate is kept in CertDir
// and regenerated when missing or expired.
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	CertFile   string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CertDir    string `json:"cert_dir,omitempty" yaml:"cert_dir,omitempty"`
	Hostname   string `json:"hostname,omitempty" yaml:"hostname,omitempty"`       // CN of generated certificates
	MinVersion string `json:"min_version,omitempty" yaml:"min_version,omitempty"` // "1.2" or "1.3"
}

// ClientTLSConfig configures a TLS dialer.
//
// With no CAFiles and no fingerprint the client accepts any certificate, which
// matches the default self-signed deployment. PinnedSHA256 restricts the
// server to one certificate without a CA.
type ClientTLSConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	CAFiles            []string `json:"ca_files,omitempty" yaml:"ca_files,omitempty"`
	ServerName         string   `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	PinnedSHA256       string   `json:"pinned_sha256,omitempty" yaml:"pinned_sha256,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
	MinVersion         string   `json:"min_version,omitempty" yaml:"min_version,omitempty"`
}

// VerifiesChain reports whether the client validates the certificate chain.
func (c ClientTLSConfig) VerifiesChain() bool {
	return len(c.CAFiles) > 0 && !c.InsecureSkipVerify
}
