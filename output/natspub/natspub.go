// Package natspub publishes every accepted controller input to a NATS subject
// so other services can follow the relay without a socket of their own.
package natspub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nats-io/nats.go"

	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/pkg/timestamp"
)

// DefaultSubject is used when Config.Subject is empty.
const DefaultSubject = "padrelay.input"

// Config holds connection settings.
type Config struct {
	URL           string        `json:"url"                      yaml:"url"`
	Subject       string        `json:"subject,omitempty"        yaml:"subject,omitempty"`
	Name          string        `json:"name,omitempty"           yaml:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"       yaml:"username,omitempty"`
	Password      string        `json:"-"                        yaml:"password,omitempty"`
	Token         string        `json:"-"                        yaml:"token,omitempty"`
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "natspub", "Validate", "url is required")
	}
	if c.MaxReconnects < -1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "natspub", "Validate",
			fmt.Sprintf("max_reconnects must be >= -1, got %d", c.MaxReconnects))
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Name == "" {
		c.Name = "padrelay"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Event is the JSON document published for each input.
type Event struct {
	Buttons     []uint           `json:"buttons"`
	Axes        []float64        `json:"axes"`
	Hats        []message.Hat    `json:"hats"`
	Triggers    message.Triggers `json:"triggers"`
	PublishedAt int64            `json:"published_at_ms"`
	Sequence    uint64           `json:"seq"`
}

// Publisher implements the arbiter's Output interface.
type Publisher struct {
	conn    Conn
	subject string
	logger  *slog.Logger
	clock   clock.Clock

	mu        sync.Mutex
	seq       uint64
	published uint64
	failed    uint64
}

// Connect dials the server and returns a publisher bound to cfg.Subject. The
// connection reconnects in the background; publishes made while disconnected
// are buffered by the client library.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default().With("component", "natspub")
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "natspub", "Connect", "dial")
	}
	logger.Info("Publishing input to NATS", "url", nc.ConnectedUrl(), "subject", cfg.Subject)
	return New(nc, cfg.Subject, logger), nil
}

// New wraps an existing connection.
func New(conn Conn, subject string, logger *slog.Logger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default().With("component", "natspub")
	}
	return &Publisher{conn: conn, subject: subject, logger: logger, clock: clock.New()}
}

// WithClock replaces the clock used for publish stamps.
func (p *Publisher) WithClock(clk clock.Clock) *Publisher {
	p.clock = clk
	return p
}

// Name labels the output in logs and metrics.
func (p *Publisher) Name() string { return "nats:" + p.subject }

// ApplyInput publishes in. The token is never included.
func (p *Publisher) ApplyInput(ctx context.Context, in message.Input) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	data, err := json.Marshal(Event{
		Buttons:     in.Buttons,
		Axes:        in.Axes,
		Hats:        in.Hats,
		Triggers:    in.Triggers,
		PublishedAt: timestamp.ToUnixMs(p.clock.Now()),
		Sequence:    p.seq,
	})
	if err != nil {
		p.failed++
		return errors.WrapInvalid(err, "natspub", "ApplyInput", "encode event")
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.failed++
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "natspub", "ApplyInput", "publish")
	}
	p.published++
	return nil
}

// Stats returns the number of successful and failed publishes.
func (p *Publisher) Stats() (published, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failed
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		return errors.Wrap(err, "natspub", "Close", "drain")
	}
	return nil
}
