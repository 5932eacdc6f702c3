package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/c360/padrelay/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Debug       bool
	ShowVersion bool
	ShowHelp    bool
	Validate    bool

	// overrides, applied only when the flag is given
	Host            string
	Port            int
	Protocol        string
	Password        string
	RateLimitWindow time.Duration
	MaxRequests     int
	BlockDuration   time.Duration
	IdleTimeout     time.Duration
	TLS             bool
	CertDir         string
	MetricsAddr     string

	set   map[string]bool
	usage func()
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("PADRELAY_CONFIG", ""),
		"Path to YAML or JSON configuration file (env: PADRELAY_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("PADRELAY_CONFIG", ""),
		"Path to YAML or JSON configuration file (env: PADRELAY_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("PADRELAY_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: PADRELAY_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("PADRELAY_LOG_FORMAT", "json"),
		"Log format: json, text (env: PADRELAY_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("PADRELAY_DEBUG", false),
		"Enable debug logging (env: PADRELAY_DEBUG)")

	fs.StringVar(&cfg.Host, "host", "", "Host to bind to")
	fs.IntVar(&cfg.Port, "port", 0, "Port to listen on")
	fs.StringVar(&cfg.Protocol, "protocol", "", "Transport protocol: tcp or udp")
	fs.StringVar(&cfg.Password, "password", "", "Authentication password or pbkdf2_sha256 hash (prefer PADRELAY_PASSWORD)")
	fs.DurationVar(&cfg.RateLimitWindow, "rate-limit-window", 0, "Rate limiting window")
	fs.IntVar(&cfg.MaxRequests, "max-requests", 0, "Maximum requests per window")
	fs.DurationVar(&cfg.BlockDuration, "block-duration", 0, "Block duration when the rate limit is exceeded")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "Release an active client silent for this long, 0 to disable")
	fs.BoolVar(&cfg.TLS, "tls", false, "Enable TLS for the tcp transport")
	fs.StringVar(&cfg.CertDir, "cert-dir", "", "Directory for the self-signed certificate")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Serve /metrics and /health on this address")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.set["port"] && (cfg.Port < 0 || cfg.Port > 65535) {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	return nil
}

// applyOverrides copies explicitly set flags over the loaded configuration.
func applyOverrides(cli *CLIConfig, cfg *config.Config) {
	if cli.set["host"] {
		cfg.Server.Host = cli.Host
	}
	if cli.set["port"] {
		cfg.Server.Port = cli.Port
	}
	if cli.set["protocol"] {
		cfg.Server.Protocol = cli.Protocol
	}
	if cli.set["password"] {
		cfg.Server.Password = cli.Password
	}
	if cli.set["rate-limit-window"] {
		cfg.Server.RateLimit.Window = cli.RateLimitWindow
	}
	if cli.set["max-requests"] {
		cfg.Server.RateLimit.MaxRequests = cli.MaxRequests
	}
	if cli.set["block-duration"] {
		cfg.Server.RateLimit.BlockDuration = cli.BlockDuration
	}
	if cli.set["idle-timeout"] {
		cfg.Server.IdleTimeout = cli.IdleTimeout
	}
	if cli.set["tls"] {
		cfg.Server.TLS.Enabled = cli.TLS
	}
	if cli.set["cert-dir"] {
		cfg.Server.TLS.CertDir = cli.CertDir
	}
	if cli.set["metrics-addr"] {
		cfg.Metrics.Enabled = cli.MetricsAddr != ""
		cfg.Metrics.Address = cli.MetricsAddr
	}
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - controller input relay server

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Serve tcp with TLS, password from the environment
  PADRELAY_PASSWORD='correct horse battery' %s --tls

  # Serve udp on a custom port with a config file
  %s --config=/etc/padrelay/relay.yaml --protocol=udp --port=10000

  # Validate configuration only
  %s --config=relay.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
