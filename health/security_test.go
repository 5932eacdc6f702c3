package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty string", "", ""},
		{"unix path", "failed to open /home/pad/.padrelay/certs/server.key", "failed to open [PATH]"},
		{"windows path", "cannot read C:\\Users\\pad\\config.yaml", "cannot read [PATH]"},
		{"nats url", "cannot connect to nats://localhost:4222", "cannot connect to [URL]"},
		{"ip address", "timeout connecting to 192.168.1.100", "timeout connecting to [IP]"},
		{"port", "failed to bind to :9999", "failed to bind to [PORT]"},
		{"password pair", "auth failed with password:secretpass123", "auth failed with [REDACTED]"},
		{"token pair", "dropped datagram token=abc", "dropped datagram [REDACTED]"},
		{
			"hash string",
			"loaded pbkdf2_sha256$100000$00ff$abcd from config",
			"loaded [REDACTED] from config",
		},
		{
			"bare derived key",
			"mismatch 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
			"mismatch [REDACTED]",
		},
		{"plain message untouched", "authentication failed", "authentication failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Redact(tt.input))
		})
	}
}

func TestFromError(t *testing.T) {
	ok := FromError("tls", nil, "certificate valid")
	assert.True(t, ok.IsHealthy())
	assert.Equal(t, "certificate valid", ok.Message)

	bad := FromError("tls", errors.New("open /etc/padrelay/server.key: permission denied"), "")
	assert.True(t, bad.IsUnhealthy())
	assert.Equal(t, "open [PATH]: permission denied", bad.Message)
}
