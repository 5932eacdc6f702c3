package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/client"
	"github.com/c360/padrelay/config"
)

func TestClientConfig(t *testing.T) {
	cli, err := parseFlags([]string{"--port", "10001", "--protocol", "UDP", "--password", "hunter2pass!", "--rate", "120"})
	require.NoError(t, err)

	cfg := config.Default()
	applyOverrides(cli, cfg)
	require.NoError(t, cfg.ValidateClient())

	cc, err := clientConfig(cfg.Client)
	require.NoError(t, err)
	assert.Equal(t, client.ProtocolUDP, cc.Protocol)
	assert.Equal(t, cfg.Client.Address(), cc.Address)
	assert.Equal(t, 120, cc.UpdateRate)
	assert.Nil(t, cc.TLS)
	secret, ok := cc.Credential.Secret()
	assert.True(t, ok)
	assert.Equal(t, "hunter2pass!", secret)
}

func TestClientConfig_HashWins(t *testing.T) {
	rec, err := auth.Hash("hunter2pass!", 1000)
	require.NoError(t, err)

	cli, err := parseFlags([]string{"--password", "other", "--password-hash", rec.String(), "--tls", "--insecure"})
	require.NoError(t, err)
	cfg := config.Default()
	applyOverrides(cli, cfg)

	cc, err := clientConfig(cfg.Client)
	require.NoError(t, err)
	_, ok := cc.Credential.Secret()
	assert.False(t, ok)
	require.NotNil(t, cc.TLS)
	assert.True(t, cc.TLS.InsecureSkipVerify)
}
