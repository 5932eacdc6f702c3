package client

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/pkg/retry"
)

// ErrServerError is returned when the server reports a fatal condition with
// an Error message.
var ErrServerError = stderrors.New("server error")

// TCPClient is an authenticated reliable session.
type TCPClient struct {
	cfg    Config
	conn   net.Conn
	logger *slog.Logger
	clock  clock.Clock
}

// DialTCP connects, completes the TLS handshake when configured and answers
// the server's challenge. The returned client is authenticated.
func DialTCP(ctx context.Context, cfg Config, logger *slog.Logger) (*TCPClient, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default().With("component", "tcp-client")
	}

	dialer := &net.Dialer{Timeout: cfg.AuthTimeout}
	var (
		conn net.Conn
		err  error
	)
	if cfg.TLS != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: cfg.TLS}
		conn, err = td.DialContext(ctx, "tcp", cfg.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Address)
	}
	if err != nil {
		var certErr *tls.CertificateVerificationError
		if stderrors.As(err, &certErr) {
			return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTLS, err), "tcp-client", "Dial", "TLS handshake")
		}
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "tcp-client", "Dial", "connect")
	}

	c := &TCPClient{cfg: cfg, conn: conn, logger: logger, clock: clock.New()}
	if err := c.authenticate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("Connected and authenticated", "address", cfg.Address, "tls", cfg.TLS != nil)
	return c, nil
}

func (c *TCPClient) authenticate() error {
	_ = c.conn.SetDeadline(time.Now().Add(c.cfg.AuthTimeout))
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	m, err := message.ReadMessage(c.conn)
	if err != nil {
		return errors.Wrap(err, "tcp-client", "authenticate", "read challenge")
	}
	var ch message.AuthChallenge
	switch p := m.Payload.(type) {
	case message.AuthChallenge:
		ch = p
	case message.Error:
		return serverError(p)
	default:
		return errors.WrapFatal(fmt.Errorf("%w: expected auth_challenge, got %s", errors.ErrProtocol, m.Type),
			"tcp-client", "authenticate", "read challenge")
	}

	resp, err := auth.Respond(c.cfg.Credential, ch)
	if err != nil {
		return errors.WrapFatal(err, "tcp-client", "authenticate", "compute response")
	}
	if err := message.WriteMessage(c.conn, message.New(message.AuthResponse{Response: resp})); err != nil {
		return errors.Wrap(err, "tcp-client", "authenticate", "send response")
	}

	m, err = message.ReadMessage(c.conn)
	if err != nil {
		return errors.Wrap(err, "tcp-client", "authenticate", "read result")
	}
	switch p := m.Payload.(type) {
	case message.AuthSuccess:
		return nil
	case message.AuthFailed:
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrAuth, p.Reason), "tcp-client", "authenticate", "server verdict")
	case message.Error:
		return serverError(p)
	default:
		return errors.WrapFatal(fmt.Errorf("%w: unexpected %s during authentication", errors.ErrProtocol, m.Type),
			"tcp-client", "authenticate", "server verdict")
	}
}

// SendInput sends one input snapshot stamped with the current time.
func (c *TCPClient) SendInput(in message.Input) error {
	in.Token = ""
	return c.write(message.NewAt(in, c.clock.Now()))
}

// Heartbeat sends a heartbeat. A transient write failure is retried once.
func (c *TCPClient) Heartbeat(ctx context.Context) error {
	cfg := retry.Once(50 * time.Millisecond)
	cfg.Clock = c.clock
	return retry.Do(ctx, cfg, func() error {
		err := c.write(message.New(message.Heartbeat{}))
		if err != nil && !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
}

func (c *TCPClient) write(m message.Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	return message.WriteMessage(c.conn, m)
}

// Stream sends input from src every 1/UpdateRate seconds and a heartbeat every
// HeartbeatInterval. It returns when ctx is done, a write fails, the server
// reports an error, or nothing is heard from the server for HeartbeatTimeout.
func (c *TCPClient) Stream(ctx context.Context, src Source) error {
	errc := make(chan error, 1)
	go func() { errc <- c.readLoop() }()

	inputs := time.NewTicker(c.cfg.sendInterval())
	defer inputs.Stop()
	heartbeats := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeats.Stop()

	if err := c.Heartbeat(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case <-inputs.C:
			in, err := src.Poll(ctx)
			if err != nil {
				return errors.Wrap(err, "tcp-client", "Stream", "poll source")
			}
			if err := c.SendInput(in); err != nil {
				return err
			}
		case <-heartbeats.C:
			if err := c.Heartbeat(ctx); err != nil {
				return err
			}
		}
	}
}

// readLoop consumes server messages. Acks extend the deadline; an Error ends
// the session.
func (c *TCPClient) readLoop() error {
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		m, err := message.ReadMessage(c.conn)
		if err != nil {
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				return errors.WrapTransient(fmt.Errorf("%w: no heartbeat ack within %s", errors.ErrConnectionTimeout, c.cfg.HeartbeatTimeout),
					"tcp-client", "readLoop", "await ack")
			}
			var de *message.DecodeError
			if stderrors.As(err, &de) && de.Kind == message.UnknownType {
				continue
			}
			return errors.Wrap(err, "tcp-client", "readLoop", "read")
		}
		switch p := m.Payload.(type) {
		case message.HeartbeatAck:
		case message.Error:
			return serverError(p)
		default:
			c.logger.Debug("Ignoring server message", "type", m.Type)
		}
	}
}

// Close closes the connection.
func (c *TCPClient) Close() error {
	return c.conn.Close()
}

func serverError(e message.Error) error {
	msg := e.Message
	if e.Code != nil {
		msg = fmt.Sprintf("%s (code %d)", msg, *e.Code)
	}
	return errors.WrapFatal(fmt.Errorf("%w: %s", ErrServerError, msg), "tcp-client", "serverError", "server notice")
}
