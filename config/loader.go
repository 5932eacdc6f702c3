package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/c360/padrelay/errors"
)

// Environment variables
const (
	EnvPassword     = "PADRELAY_PASSWORD"
	EnvPasswordHash = "PADRELAY_PASSWORD_HASH"
	EnvHost         = "PADRELAY_HOST"
	EnvPort         = "PADRELAY_PORT"
	EnvProtocol     = "PADRELAY_PROTOCOL"
)

// Load reads path over the defaults and applies environment overrides. An
// empty path loads defaults and environment only. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := safeReadFile(path)
		if err != nil {
			if stderrors.Is(err, os.ErrNotExist) {
				return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrConfigNotFound, path), "config", "Load", "read file")
			}
			return nil, errors.WrapInvalid(err, "config", "Load", "read file")
		}
		if err := decode(data, cfg); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "config", "Load", "parse "+path)
		}
	}

	if err := applyEnvOverrides(cfg, os.Getenv); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "config", "Load", "apply environment")
	}
	cfg.normalize()
	return cfg, nil
}

// decode parses YAML; JSON documents are valid YAML.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) error {
	for _, key := range []string{EnvPassword, EnvPasswordHash, EnvHost, EnvPort, EnvProtocol} {
		if err := validateEnvVar(key, getenv(key)); err != nil {
			return err
		}
	}

	if v := getenv(EnvPassword); v != "" {
		cfg.Server.Password = v
		cfg.Client.Password = v
		cfg.Client.PasswordHash = ""
		cfg.passwordFromEnv = true
	}
	if v := getenv(EnvPasswordHash); v != "" {
		cfg.Server.Password = v
		cfg.Client.PasswordHash = v
		cfg.passwordFromEnv = true
	}
	if v := getenv(EnvHost); v != "" {
		cfg.Server.Host = v
		cfg.Client.Host = v
	}
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
		cfg.Client.Port = port
	}
	if v := getenv(EnvProtocol); v != "" {
		cfg.Server.Protocol = v
		cfg.Client.Protocol = v
	}
	return nil
}
