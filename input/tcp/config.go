package tcp

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
)

// Config holds listener settings.
type Config struct {
	// Address is the host:port to listen on. Port 0 picks a free port.
	Address          string        `json:"address" yaml:"address"`
	MaxSessions      int           `json:"max_sessions" yaml:"max_sessions"`
	AuthTimeout      time.Duration `json:"auth_timeout" yaml:"auth_timeout"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
}

// DefaultConfig listens on all interfaces on the default port and admits a
// single client.
func DefaultConfig() Config {
	return Config{
		Address:          net.JoinHostPort("0.0.0.0", strconv.Itoa(message.DefaultPort)),
		MaxSessions:      1,
		AuthTimeout:      message.AuthTimeout,
		HeartbeatTimeout: message.HeartbeatTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, port, err := net.SplitHostPort(c.Address); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: address %q: %v", errors.ErrInvalidConfig, c.Address, err),
			"tcp-config", "Validate", "address parsing")
	} else if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: invalid port %q", errors.ErrInvalidConfig, port),
			"tcp-config", "Validate", "port validation")
	}
	if c.MaxSessions < 1 {
		return errors.WrapInvalid(fmt.Errorf("%w: max_sessions must be at least 1", errors.ErrInvalidConfig),
			"tcp-config", "Validate", "session limit")
	}
	if c.AuthTimeout <= 0 || c.HeartbeatTimeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: timeouts must be positive", errors.ErrInvalidConfig),
			"tcp-config", "Validate", "timeouts")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	return c
}
