package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/metric"
	"github.com/c360/padrelay/output/file"
	"github.com/c360/padrelay/output/httppost"
	"github.com/c360/padrelay/output/natspub"
	"github.com/c360/padrelay/output/websocket"
	"github.com/c360/padrelay/pkg/security"
	"github.com/c360/padrelay/ratelimit"
)

// Transport protocols
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// Defaults
const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 9999
	DefaultCertCheckInterval = 12 * time.Hour
)

const redacted = "[REDACTED]"

// Config is the complete relay configuration.
type Config struct {
	Server  ServerConfig  `json:"server"  yaml:"server"`
	Client  ClientConfig  `json:"client"  yaml:"client"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	NATS    NATSConfig    `json:"nats"    yaml:"nats"`
	Record  RecordConfig  `json:"record"  yaml:"record"`
	Webhook WebhookConfig `json:"webhook" yaml:"webhook"`
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`

	passwordFromEnv bool
}

// ServerConfig configures the relay server.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	// Port 0 binds a free port.
	Port     int    `json:"port"     yaml:"port"`
	Protocol string `json:"protocol" yaml:"protocol"`
	// Password is a plaintext secret or a pbkdf2_sha256$ hash.
	Password   string `json:"password,omitempty" yaml:"password,omitempty"`
	Iterations uint   `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	MaxSessions      int           `json:"max_sessions,omitempty"      yaml:"max_sessions,omitempty"`
	AuthTimeout      time.Duration `json:"auth_timeout,omitempty"      yaml:"auth_timeout,omitempty"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout,omitempty" yaml:"heartbeat_timeout,omitempty"`
	TokenWindow      time.Duration `json:"token_window,omitempty"      yaml:"token_window,omitempty"`
	// IdleTimeout clears an active source that has not sent input for this
	// long. Zero disables idle expiry.
	IdleTimeout time.Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`

	// RateLimit applies to connections (tcp) or datagrams (udp) per source IP.
	RateLimit ratelimit.Config `json:"rate_limit" yaml:"rate_limit"`
	// MessageRateLimit applies to input messages inside a TCP session.
	MessageRateLimit ratelimit.Config `json:"message_rate_limit" yaml:"message_rate_limit"`

	TLS               security.ServerTLSConfig `json:"tls"                           yaml:"tls"`
	CertCheckInterval time.Duration            `json:"cert_check_interval,omitempty" yaml:"cert_check_interval,omitempty"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Credential parses Password.
func (s ServerConfig) Credential() (auth.Credential, error) {
	return auth.ParseCredential(s.Password)
}

// ClientConfig configures the relay client.
type ClientConfig struct {
	Host     string `json:"host"     yaml:"host"`
	Port     int    `json:"port"     yaml:"port"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	// PasswordHash, when set, is used instead of Password. It must carry the
	// server's salt and iterations.
	PasswordHash   string                   `json:"password_hash,omitempty"   yaml:"password_hash,omitempty"`
	UpdateRate     int                      `json:"update_rate,omitempty"     yaml:"update_rate,omitempty"`
	ReconnectDelay time.Duration            `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty"`
	TLS            security.ClientTLSConfig `json:"tls"                       yaml:"tls"`
}

// Address returns host:port.
func (c ClientConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Credential returns the hash credential when configured, otherwise the
// plaintext one.
func (c ClientConfig) Credential() (auth.Credential, error) {
	if c.PasswordHash != "" {
		return auth.ParseCredential(c.PasswordHash)
	}
	return auth.ParseCredential(c.Password)
}

// MetricsConfig configures the metrics and health endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"        yaml:"enabled"`
	Address string `json:"address"        yaml:"address"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// NATSConfig enables publishing accepted input to NATS.
type NATSConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	natspub.Config `yaml:",inline"`
}

// RecordConfig enables recording accepted input to a JSON-lines file.
type RecordConfig struct {
	Enabled     bool `json:"enabled" yaml:"enabled"`
	file.Config `yaml:",inline"`
}

// WebhookConfig enables active-source change notifications over HTTP.
type WebhookConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	httppost.Config `yaml:",inline"`
}

// MonitorConfig enables the websocket monitor.
type MonitorConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	websocket.Config `yaml:",inline"`
}

// Default returns a fully populated configuration with no credentials.
func Default() *Config {
	cfg := defaults()
	cfg.normalize()
	return cfg
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              DefaultHost,
			Port:              DefaultPort,
			Protocol:          ProtocolTCP,
			Iterations:        auth.DefaultIterations,
			MaxSessions:       1,
			CertCheckInterval: DefaultCertCheckInterval,
		},
		Client: ClientConfig{
			Host:     DefaultHost,
			Port:     DefaultPort,
			Protocol: ProtocolTCP,
		},
		Metrics: MetricsConfig{
			Address: metric.DefaultAddr,
			Path:    "/metrics",
		},
		NATS: NATSConfig{
			Config: natspub.Config{Subject: natspub.DefaultSubject},
		},
		Record: RecordConfig{
			Config: file.DefaultConfig(),
		},
		Webhook: WebhookConfig{
			Config: httppost.DefaultConfig(),
		},
		Monitor: MonitorConfig{
			Config: websocket.DefaultConfig(),
		},
	}
}

// normalize fills rate limit fields left at zero from the protocol defaults
// and lowercases enums.
func (c *Config) normalize() {
	c.Server.Protocol = strings.ToLower(strings.TrimSpace(c.Server.Protocol))
	c.Client.Protocol = strings.ToLower(strings.TrimSpace(c.Client.Protocol))

	conn := ratelimit.TCPDefaults()
	if c.Server.Protocol == ProtocolUDP {
		conn = ratelimit.UDPDefaults()
	}
	c.Server.RateLimit = fillLimit(c.Server.RateLimit, conn)
	c.Server.MessageRateLimit = fillLimit(c.Server.MessageRateLimit, ratelimit.MessageDefaults())
}

func fillLimit(cfg, def ratelimit.Config) ratelimit.Config {
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.BlockDuration == 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	return cfg
}

// PasswordFromEnv reports whether the password came from the environment.
func (c *Config) PasswordFromEnv() bool { return c.passwordFromEnv }

// Validate checks the server side and every enabled optional section.
func (c *Config) Validate() error {
	if err := c.ValidateServer(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return invalid("Validate", "metrics.address is required when metrics are enabled")
	}
	if c.NATS.Enabled {
		if err := c.NATS.Validate(); err != nil {
			return err
		}
	}
	if c.Record.Enabled {
		if err := c.Record.Validate(); err != nil {
			return err
		}
	}
	if c.Webhook.Enabled {
		if err := c.Webhook.Validate(); err != nil {
			return err
		}
	}
	if c.Monitor.Enabled {
		if err := c.Monitor.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateServer checks the server section.
func (c *Config) ValidateServer() error {
	s := c.Server
	if s.Host == "" {
		return invalid("ValidateServer", "server.host is required")
	}
	if s.Port != 0 {
		if err := validatePort(s.Port); err != nil {
			return invalid("ValidateServer", "server."+err.Error())
		}
	}
	if err := validateProtocol(s.Protocol); err != nil {
		return invalid("ValidateServer", "server."+err.Error())
	}
	if s.Password == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "ValidateServer", "server.password is required")
	}
	if _, err := s.Credential(); err != nil {
		return errors.WrapInvalid(err, "config", "ValidateServer", "parse server.password")
	}
	if s.Iterations == 0 {
		return invalid("ValidateServer", "server.iterations must be positive")
	}
	if s.MaxSessions < 0 {
		return invalid("ValidateServer", "server.max_sessions must not be negative")
	}
	if s.IdleTimeout < 0 {
		return invalid("ValidateServer", "server.idle_timeout must not be negative")
	}
	if err := s.RateLimit.Validate(); err != nil {
		return errors.WrapInvalid(err, "config", "ValidateServer", "check server.rate_limit")
	}
	if err := s.MessageRateLimit.Validate(); err != nil {
		return errors.WrapInvalid(err, "config", "ValidateServer", "check server.message_rate_limit")
	}
	if s.TLS.Enabled && s.Protocol == ProtocolUDP {
		return invalid("ValidateServer", "server.tls is only supported with protocol tcp")
	}
	if s.TLS.Enabled && (s.TLS.CertFile == "") != (s.TLS.KeyFile == "") {
		return invalid("ValidateServer", "server.tls cert_file and key_file must be set together")
	}
	return nil
}

// ValidateClient checks the client section.
func (c *Config) ValidateClient() error {
	cl := c.Client
	if cl.Host == "" {
		return invalid("ValidateClient", "client.host is required")
	}
	if err := validatePort(cl.Port); err != nil {
		return invalid("ValidateClient", "client."+err.Error())
	}
	if err := validateProtocol(cl.Protocol); err != nil {
		return invalid("ValidateClient", "client."+err.Error())
	}
	if cl.Password == "" && cl.PasswordHash == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "ValidateClient", "client.password or client.password_hash is required")
	}
	if _, err := cl.Credential(); err != nil {
		return errors.WrapInvalid(err, "config", "ValidateClient", "parse client credential")
	}
	if cl.UpdateRate < 0 || cl.UpdateRate > 1000 {
		return invalid("ValidateClient", fmt.Sprintf("client.update_rate must be within 1..1000, got %d", cl.UpdateRate))
	}
	if cl.TLS.Enabled && cl.Protocol == ProtocolUDP {
		return invalid("ValidateClient", "client.tls is only supported with protocol tcp")
	}
	return nil
}

func validatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port must be within 1..65535, got %d", p)
	}
	return nil
}

func validateProtocol(p string) error {
	if p != ProtocolTCP && p != ProtocolUDP {
		return fmt.Errorf("protocol must be tcp or udp, got %q", p)
	}
	return nil
}

func invalid(method, msg string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg), "config", method, "validate")
}

// Redacted returns a copy with every secret replaced, for logging.
func (c *Config) Redacted() *Config {
	cp := *c
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cp.Server.Password)
	mask(&cp.Client.Password)
	mask(&cp.Client.PasswordHash)
	mask(&cp.NATS.Password)
	mask(&cp.NATS.Token)
	if len(c.Webhook.Headers) > 0 {
		// header values may hold credentials
		cp.Webhook.Headers = make(map[string]string, len(c.Webhook.Headers))
		for k := range c.Webhook.Headers {
			cp.Webhook.Headers[k] = redacted
		}
	}
	return &cp
}

// String renders the redacted configuration as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}
