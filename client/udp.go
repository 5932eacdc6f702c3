package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
)

// UDPClient sends token-authenticated input datagrams.
type UDPClient struct {
	cfg    Config
	conn   net.Conn
	key    []byte
	params *message.AuthParams
	logger *slog.Logger
	clock  clock.Clock
}

// DialUDP opens the socket and settles the token key. A client holding a
// plaintext secret first asks the server for its key derivation parameters
// and waits up to ParamsWait; no reply means the server keys tokens with the
// plaintext secret.
func DialUDP(ctx context.Context, cfg Config, logger *slog.Logger) (*UDPClient, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default().With("component", "udp-client")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", cfg.Address)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "udp-client", "Dial", "open socket")
	}

	c := &UDPClient{cfg: cfg, conn: conn, logger: logger, clock: clock.New()}
	if !cfg.Credential.IsHashed() {
		c.params = c.requestParams()
	}
	if c.key, err = auth.ClientKey(cfg.Credential, c.params); err != nil {
		_ = conn.Close()
		return nil, errors.WrapFatal(err, "udp-client", "Dial", "derive key")
	}
	logger.Info("UDP client ready", "address", cfg.Address, "derived_key", c.params != nil || cfg.Credential.IsHashed())
	return c, nil
}

func (c *UDPClient) requestParams() *message.AuthParams {
	data, err := message.Encode(message.New(message.AuthParamsRequest{}))
	if err != nil {
		return nil
	}
	if _, err := c.conn.Write(data); err != nil {
		c.logger.Debug("Auth params request failed", "error", err)
		return nil
	}

	deadline := time.Now().Add(c.cfg.ParamsWait)
	buf := make([]byte, message.MaxDatagramSize)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if err != nil {
			c.logger.Debug("No auth params received, using plaintext key")
			return nil
		}
		m, err := message.Decode(buf[:n])
		if err != nil {
			continue
		}
		if p, ok := m.Payload.(message.AuthParams); ok {
			return &p
		}
	}
}

// Params returns the server's key derivation parameters, if it sent any.
func (c *UDPClient) Params() (message.AuthParams, bool) {
	if c.params == nil {
		return message.AuthParams{}, false
	}
	return *c.params, true
}

// Heartbeat sends one signed heartbeat. The server acks it only if the
// token verifies.
func (c *UDPClient) Heartbeat() error {
	m, err := auth.Sign(message.NewAt(message.Heartbeat{}, c.clock.Now()), c.key)
	if err != nil {
		return err
	}
	return c.send(m, "Heartbeat")
}

// SendInput signs and sends one input snapshot stamped with the current time.
func (c *UDPClient) SendInput(in message.Input) error {
	m, err := auth.Sign(message.NewAt(in, c.clock.Now()), c.key)
	if err != nil {
		return err
	}
	return c.send(m, "SendInput")
}

func (c *UDPClient) send(m message.Message, method string) error {
	data, err := message.Encode(m)
	if err != nil {
		return errors.WrapInvalid(err, "udp-client", method, "encode")
	}
	if _, err := c.conn.Write(data); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "udp-client", method, "write")
	}
	return nil
}

// Stream sends input from src every 1/UpdateRate seconds and a heartbeat every
// HeartbeatInterval. It returns when ctx is done, a send fails, or no
// heartbeat ack arrives for HeartbeatTimeout.
func (c *UDPClient) Stream(ctx context.Context, src Source) error {
	errc := make(chan error, 1)
	go func() { errc <- c.readLoop() }()

	inputs := time.NewTicker(c.cfg.sendInterval())
	defer inputs.Stop()
	heartbeats := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeats.Stop()

	if err := c.Heartbeat(); err != nil {
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
				return errors.Wrap(err, "udp-client", "Stream", "poll source")
			}
			if err := c.SendInput(in); err != nil {
				return err
			}
		case <-heartbeats.C:
			if err := c.Heartbeat(); err != nil {
				return err
			}
		}
	}
}

// readLoop waits for heartbeat acks. Only an ack extends the deadline; other
// datagrams are ignored.
func (c *UDPClient) readLoop() error {
	buf := make([]byte, message.MaxDatagramSize)
	deadline := time.Now().Add(c.cfg.HeartbeatTimeout)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				return errors.WrapTransient(fmt.Errorf("%w: no heartbeat ack within %s", errors.ErrConnectionTimeout, c.cfg.HeartbeatTimeout),
					"udp-client", "readLoop", "await ack")
			}
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "udp-client", "readLoop", "read")
		}
		m, err := message.Decode(buf[:n])
		if err != nil {
			continue
		}
		if _, ok := m.Payload.(message.HeartbeatAck); ok {
			deadline = time.Now().Add(c.cfg.HeartbeatTimeout)
		}
	}
}

// Close closes the socket.
func (c *UDPClient) Close() error {
	return c.conn.Close()
}
