package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/c360/padrelay/arbiter"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/pkg/retry"
	"github.com/c360/padrelay/pkg/security"
	"github.com/c360/padrelay/pkg/timestamp"
	"github.com/c360/padrelay/pkg/tlsutil"
)

// Notification events
const (
	EventActive   = "active"
	EventReleased = "released"
	EventExpired  = "expired"
)

// Config holds configuration for the notifier
type Config struct {
	URL        string                   `json:"url"                   yaml:"url"`
	Headers    map[string]string        `json:"headers,omitempty"     yaml:"headers,omitempty"`
	Timeout    time.Duration            `json:"timeout,omitempty"     yaml:"timeout,omitempty"`
	RetryCount int                      `json:"retry_count"           yaml:"retry_count"`
	Buffer     int                      `json:"buffer,omitempty"      yaml:"buffer,omitempty"`
	TLS        security.ClientTLSConfig `json:"tls"                   yaml:"tls"`
}

// DefaultConfig returns default configuration for the notifier
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		RetryCount: 3,
		Buffer:     32,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "httppost", "Validate", "url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(err, "httppost", "Validate", "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httppost", "Validate", "url scheme must be http or https")
	}
	if c.Timeout < 0 || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httppost", "Validate",
			"timeout must be between 0 and 5m")
	}
	if c.RetryCount < 0 || c.RetryCount > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httppost", "Validate",
			"retry_count must be between 0 and 10")
	}
	if c.Buffer < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "httppost", "Validate", "buffer cannot be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.Buffer == 0 {
		c.Buffer = d.Buffer
	}
	return c
}

// Watcher is the part of the arbiter the notifier needs.
type Watcher interface {
	Watch(buffer int) (<-chan arbiter.Event, func())
}

// Notification is the JSON body posted for each event.
type Notification struct {
	Event     string `json:"event"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp_ms"`
}

// Notifier posts active-source changes.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	retry      retry.Config
	logger     *slog.Logger

	events      <-chan arbiter.Event
	cancelWatch func()
	queue       chan Notification

	// last active address; touched only by Run
	current string

	sent    int64
	failed  int64
	dropped int64
}

// New subscribes to w. Events are collected from this point on, even before
// Run is called.
func New(cfg Config, w Watcher, logger *slog.Logger) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default().With("component", "httppost")
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.TLS.Enabled {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
		if err != nil {
			return nil, errors.WrapFatal(err, "httppost", "New", "load TLS config")
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	n := &Notifier{
		cfg:        cfg,
		httpClient: httpClient,
		retry: retry.Config{
			MaxAttempts:  cfg.RetryCount + 1,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
		logger: logger,
		queue:  make(chan Notification, cfg.Buffer),
	}
	// Accepted fires once per frame
	n.events, n.cancelWatch = w.Watch(cfg.Buffer * 8)
	return n, nil
}

// Run translates arbiter events into notifications and posts them until ctx
// is done. Posts run on their own goroutine.
func (n *Notifier) Run(ctx context.Context) error {
	defer n.cancelWatch()

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		n.sendLoop(ctx)
	}()
	defer func() { <-sendDone }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-n.events:
			if !ok {
				return nil
			}
			note, ok := n.translate(ev)
			if !ok {
				continue
			}
			select {
			case n.queue <- note:
			default:
				atomic.AddInt64(&n.dropped, 1)
				n.logger.Warn("Notification queue full, dropping", "event", note.Event, "source", note.Source)
			}
		}
	}
}

// translate keeps the first Accepted event per source plus every release and
// expiry.
func (n *Notifier) translate(ev arbiter.Event) (Notification, bool) {
	note := Notification{
		Source:    ev.Source.Address,
		Timestamp: timestamp.ToUnixMs(ev.Source.Timestamp),
	}
	switch ev.Kind {
	case arbiter.Accepted:
		if ev.Source.Address == n.current {
			return Notification{}, false
		}
		n.current = ev.Source.Address
		note.Event = EventActive
	case arbiter.Released:
		n.current = ""
		note.Event = EventReleased
	case arbiter.Expired:
		n.current = ""
		note.Event = EventExpired
	default:
		return Notification{}, false
	}
	return note, true
}

func (n *Notifier) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case note := <-n.queue:
			if err := n.deliver(ctx, note); err != nil {
				atomic.AddInt64(&n.failed, 1)
				n.logger.Warn("Notification failed", "event", note.Event, "source", note.Source, "error", err)
				continue
			}
			atomic.AddInt64(&n.sent, 1)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, note Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return errors.WrapInvalid(err, "httppost", "deliver", "encode notification")
	}
	return retry.Do(ctx, n.retry, func() error {
		return n.post(ctx, data)
	})
}

func (n *Notifier) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "httppost", "post", "send request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return retry.NonRetryable(statusErr)
	}
	return statusErr
}

// Stats returns the notifications sent, failed after retries and dropped.
func (n *Notifier) Stats() (sent, failed, dropped int64) {
	return atomic.LoadInt64(&n.sent), atomic.LoadInt64(&n.failed), atomic.LoadInt64(&n.dropped)
}
