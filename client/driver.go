package client

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/pkg/retry"
)

// streamer is a connected transport.
type streamer interface {
	Stream(ctx context.Context, src Source) error
	io.Closer
}

// Driver keeps a client connected and streaming.
type Driver struct {
	Config Config
	Source Source
	Logger *slog.Logger
	// Clock times the reconnect delay. Defaults to the wall clock.
	Clock clock.Clock
	// OnConnect, when set, is called after each successful connection.
	OnConnect func(attempt int)
}

// Run connects and streams until ctx is cancelled, reconnecting after a fixed
// ReconnectDelay on every failure. It returns nil on cancellation and an error
// only for an invalid configuration.
func (d *Driver) Run(ctx context.Context) error {
	cfg := d.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if d.Source == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "client-driver", "Run", "source check")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default().With("component", "client-driver")
	}

	attempt := 0
	connect := func(ctx context.Context) error {
		attempt++
		s, err := d.dial(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		if d.OnConnect != nil {
			d.OnConnect(attempt)
		}
		return s.Stream(ctx, d.Source)
	}

	logger.Info("Client starting", "protocol", cfg.Protocol, "address", cfg.Address, "update_rate", cfg.UpdateRate)
	err := retry.Forever(ctx, d.Clock, cfg.ReconnectDelay, connect, func(err error, next int) {
		logger.Warn("Connection failed, reconnecting", "error", err, "delay", cfg.ReconnectDelay,
			"next_attempt", next, "fatal", errors.IsFatal(err))
	})
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		logger.Info("Client stopped")
		return nil
	}
	return err
}

func (d *Driver) dial(ctx context.Context, cfg Config, logger *slog.Logger) (streamer, error) {
	if cfg.Protocol == ProtocolUDP {
		return DialUDP(ctx, cfg, logger)
	}
	return DialTCP(ctx, cfg, logger)
}
