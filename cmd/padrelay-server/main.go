// Package main runs the relay server.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/padrelay/config"
	"github.com/c360/padrelay/server"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "padrelay-server"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Server failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		cli.usage()
		return nil
	}

	logger := setupLogger(os.Stdout, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cli, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("Starting relay server",
		"version", Version,
		"config_path", cli.ConfigPath,
		"protocol", cfg.Server.Protocol,
		"address", cfg.Server.Address(),
		"tls", cfg.Server.TLS.Enabled)

	if cli.Validate {
		logger.Info("Configuration is valid", "config", cfg.Redacted())
		return nil
	}

	// a password given as a flag is not written back to the file
	path := cli.ConfigPath
	if cli.set["password"] {
		path = ""
	}
	srv, err := server.New(server.Deps{Config: cfg, ConfigPath: path, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("Relay server shutdown complete")
	return nil
}
