package client

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
)

// Transport protocols
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// Config holds client settings.
type Config struct {
	Protocol   string
	Address    string
	Credential auth.Credential
	// TLS is used for TCP only; nil connects in plaintext.
	TLS        *tls.Config
	UpdateRate int

	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration
	ParamsWait        time.Duration
}

// DefaultConfig returns protocol defaults for a TCP client. Address and
// Credential must still be set.
func DefaultConfig() Config {
	return Config{
		Protocol:          ProtocolTCP,
		UpdateRate:        message.DefaultUpdateRate,
		ReconnectDelay:    message.ReconnectDelay,
		HeartbeatInterval: message.HeartbeatInterval,
		HeartbeatTimeout:  message.HeartbeatTimeout,
		AuthTimeout:       message.AuthTimeout,
		ParamsWait:        message.AuthParamsWait,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Protocol == "" {
		c.Protocol = d.Protocol
	}
	if c.UpdateRate == 0 {
		c.UpdateRate = d.UpdateRate
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.ParamsWait == 0 {
		c.ParamsWait = d.ParamsWait
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Protocol != ProtocolTCP && c.Protocol != ProtocolUDP {
		return errors.WrapInvalid(fmt.Errorf("%w: protocol %q", errors.ErrInvalidConfig, c.Protocol),
			"client-config", "Validate", "protocol")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: address %q: %v", errors.ErrInvalidConfig, c.Address, err),
			"client-config", "Validate", "address parsing")
	}
	if c.Credential.IsZero() {
		return errors.WrapInvalid(fmt.Errorf("%w: credential", errors.ErrMissingConfig),
			"client-config", "Validate", "credential")
	}
	if c.UpdateRate < 1 || c.UpdateRate > 1000 {
		return errors.WrapInvalid(fmt.Errorf("%w: update_rate must be 1..1000 Hz", errors.ErrInvalidConfig),
			"client-config", "Validate", "update rate")
	}
	if c.ReconnectDelay <= 0 || c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 || c.AuthTimeout <= 0 || c.ParamsWait <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: intervals must be positive", errors.ErrInvalidConfig),
			"client-config", "Validate", "intervals")
	}
	return nil
}

func (c Config) sendInterval() time.Duration {
	return time.Second / time.Duration(c.UpdateRate)
}
