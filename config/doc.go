// Package config loads relay configuration from YAML or JSON files.
//
// A single file can carry both a server and a client section; each binary
// validates only the sections it uses. Values are layered as defaults, then
// the file, then environment overrides:
//
//	PADRELAY_PASSWORD       shared secret for server and client
//	PADRELAY_PASSWORD_HASH  pbkdf2_sha256$... hash, wins over PADRELAY_PASSWORD
//	PADRELAY_HOST           server bind host and client target host
//	PADRELAY_PORT           port for both sides
//	PADRELAY_PROTOCOL       tcp or udp
//
// Durations are written as Go duration strings ("5s", "2m").
//
// # Password persistence
//
// A server configured with a plaintext password converts it to the hash form
// on start. PersistHashedPassword rewrites the password field in place,
// keeping the rest of a YAML file's layout and comments intact. Passwords
// supplied through the environment are never written to disk.
//
// Basic usage:
//
//	cfg, err := config.Load("padrelay.yaml")
//	if err != nil {
//		return err
//	}
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
//	log.Info("Configuration loaded", "config", cfg.Redacted())
package config
