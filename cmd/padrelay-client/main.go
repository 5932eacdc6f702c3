// Package main runs the relay client, streaming controller state read as JSON
// lines from stdin.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/padrelay/client"
	"github.com/c360/padrelay/config"
	"github.com/c360/padrelay/pkg/tlsutil"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "padrelay-client"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath     string
	LogLevel       string
	Host           string
	Port           int
	Protocol       string
	Password       string
	PasswordHash   string
	UpdateRate     int
	ReconnectDelay time.Duration
	TLS            bool
	CAFile         string
	Pin            string
	Insecure       bool
	ShowVersion    bool

	set map[string]bool
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdin, os.Stderr); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Client failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", os.Getenv("PADRELAY_CONFIG"), "Path to YAML or JSON configuration file (env: PADRELAY_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.Host, "host", "", "Server host")
	fs.IntVar(&cfg.Port, "port", 0, "Server port")
	fs.StringVar(&cfg.Protocol, "protocol", "", "Transport protocol: tcp or udp")
	fs.StringVar(&cfg.Password, "password", "", "Authentication password (prefer PADRELAY_PASSWORD)")
	fs.StringVar(&cfg.PasswordHash, "password-hash", "", "Authenticate with the server's pbkdf2_sha256 hash instead of the password")
	fs.IntVar(&cfg.UpdateRate, "rate", 0, "Update rate in Hz")
	fs.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", 0, "Delay between reconnect attempts")
	fs.BoolVar(&cfg.TLS, "tls", false, "Connect with TLS (tcp only)")
	fs.StringVar(&cfg.CAFile, "ca-file", "", "Trust this certificate, typically the server's self-signed server.crt")
	fs.StringVar(&cfg.Pin, "pin", "", "Require this SHA-256 certificate fingerprint")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "Skip certificate verification")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, `%s - controller input relay client

Reads one JSON controller state per line from stdin and streams it to the server.

Usage: %s [options] < states.jsonl

Options:
`, appName, os.Args[0])
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })
	return cfg, nil
}

func applyOverrides(cli *CLIConfig, cfg *config.Config) {
	c := &cfg.Client
	if cli.set["host"] {
		c.Host = cli.Host
	}
	if cli.set["port"] {
		c.Port = cli.Port
	}
	if cli.set["protocol"] {
		c.Protocol = strings.ToLower(cli.Protocol)
	}
	if cli.set["password"] {
		c.Password = cli.Password
	}
	if cli.set["password-hash"] {
		c.PasswordHash = cli.PasswordHash
	}
	if cli.set["rate"] {
		c.UpdateRate = cli.UpdateRate
	}
	if cli.set["reconnect-delay"] {
		c.ReconnectDelay = cli.ReconnectDelay
	}
	if cli.set["tls"] {
		c.TLS.Enabled = cli.TLS
	}
	if cli.set["ca-file"] {
		c.TLS.CAFiles = append(c.TLS.CAFiles, cli.CAFile)
	}
	if cli.set["pin"] {
		c.TLS.PinnedSHA256 = cli.Pin
	}
	if cli.set["insecure"] {
		c.TLS.InsecureSkipVerify = cli.Insecure
	}
}

func run(args []string, stdin io.Reader, stderr io.Writer) error {
	cli, err := parseFlags(args)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	// stdout stays free for piping; logs go to stderr
	logger := setupLogger(stderr, cli.LogLevel)
	slog.SetDefault(logger)

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cli, cfg)
	if err := cfg.ValidateClient(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ccfg, err := clientConfig(cfg.Client)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := &client.Driver{
		Config: ccfg,
		Source: client.NewJSONLinesSource(stdin, logger.With("component", "jsonl-source")),
		Logger: logger.With("component", "client-driver"),
		OnConnect: func(attempt int) {
			logger.Info("Connected to relay", "address", ccfg.Address, "attempt", attempt)
		},
	}
	return driver.Run(ctx)
}

func clientConfig(c config.ClientConfig) (client.Config, error) {
	cred, err := c.Credential()
	if err != nil {
		return client.Config{}, fmt.Errorf("client credential: %w", err)
	}

	out := client.DefaultConfig()
	out.Protocol = c.Protocol
	out.Address = c.Address()
	out.Credential = cred
	if c.UpdateRate > 0 {
		out.UpdateRate = c.UpdateRate
	}
	if c.ReconnectDelay > 0 {
		out.ReconnectDelay = c.ReconnectDelay
	}
	if c.TLS.Enabled {
		tlsCfg, err := tlsutil.LoadClientTLSConfig(c.TLS)
		if err != nil {
			return client.Config{}, fmt.Errorf("client tls: %w", err)
		}
		out.TLS = tlsCfg
	}
	return out, nil
}

func setupLogger(w io.Writer, level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})).With(
		"service", appName,
		"version", Version,
	)
}
