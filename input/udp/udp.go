package udp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/padrelay/arbiter"
	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/health"
	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/metric"
	"github.com/c360/padrelay/pkg/cache"
	"github.com/c360/padrelay/pkg/retry"
	"github.com/c360/padrelay/processor/sanitize"
	"github.com/c360/padrelay/ratelimit"
)

// HealthName is the component name reported to the health monitor.
const HealthName = "udp-dispatcher"

const (
	readDeadline     = 100 * time.Millisecond
	socketBufferSize = 2 * 1024 * 1024
)

// Config holds dispatcher settings.
type Config struct {
	// Address is the host:port to bind. Port 0 picks a free port.
	Address string `json:"address" yaml:"address"`
	// TokenWindow is the accepted distance between a token's timestamp and
	// the server clock.
	TokenWindow time.Duration `json:"token_window" yaml:"token_window"`
	// ParamsTTL is how long a handed-out AuthParams reply is remembered per
	// source address.
	ParamsTTL time.Duration `json:"params_ttl" yaml:"params_ttl"`
}

// DefaultConfig binds all interfaces on the default port.
func DefaultConfig() Config {
	return Config{
		Address:     net.JoinHostPort("0.0.0.0", strconv.Itoa(message.DefaultPort)),
		TokenWindow: message.TokenFreshness,
		ParamsTTL:   5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, port, err := net.SplitHostPort(c.Address); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: address %q: %v", errors.ErrInvalidConfig, c.Address, err),
			"udp-config", "Validate", "address parsing")
	} else if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		return errors.WrapInvalid(fmt.Errorf("%w: invalid port %q", errors.ErrInvalidConfig, port),
			"udp-config", "Validate", "port validation")
	}
	if c.TokenWindow <= 0 || c.ParamsTTL <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: token_window and params_ttl must be positive", errors.ErrInvalidConfig),
			"udp-config", "Validate", "durations")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.TokenWindow == 0 {
		c.TokenWindow = d.TokenWindow
	}
	if c.ParamsTTL == 0 {
		c.ParamsTTL = d.ParamsTTL
	}
	return c
}

// Deps holds runtime dependencies for the dispatcher.
type Deps struct {
	Config     Config
	Credential auth.Credential
	// Limiter is keyed by source IP and optional.
	Limiter *ratelimit.Limiter
	Policy  sanitize.Policy
	Arbiter *arbiter.Arbiter

	MetricsRegistry *metric.MetricsRegistry // cache metrics
	Metrics         *metric.Metrics
	Health          *health.Monitor
	Logger          *slog.Logger
	Clock           clock.Clock
}

// Dispatcher is the server side of the unreliable transport.
type Dispatcher struct {
	cfg      Config
	tokens   *auth.TokenAuthenticator
	limiter  *ratelimit.Limiter
	policy   sanitize.Policy
	arbiter  *arbiter.Arbiter
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	health   *health.Monitor
	logger   *slog.Logger
	clock    clock.Clock

	retryConfig retry.Config

	// paramsReply is nil for plaintext credentials. replies caches the
	// encoded reply datagram per source address.
	paramsReply *message.AuthParams
	replies     cache.Cache[[]byte]

	// Lifecycle management
	shutdown  chan struct{}
	done      chan struct{}
	running   atomic.Bool
	startTime time.Time
	mu        sync.RWMutex
	conn      *net.UDPConn

	received     atomic.Int64
	accepted     atomic.Int64
	dropped      atomic.Int64
	errors       atomic.Int64
	lastActivity atomic.Value // time.Time
}

// New validates deps and creates a dispatcher. Nothing is bound until Start.
func New(deps Deps) (*Dispatcher, error) {
	cfg := deps.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Credential.IsZero() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: credential", errors.ErrMissingConfig),
			"udp-dispatcher", "New", "credential check")
	}
	if deps.Arbiter == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: arbiter", errors.ErrMissingConfig),
			"udp-dispatcher", "New", "arbiter check")
	}
	policy := deps.Policy
	if policy == (sanitize.Policy{}) {
		policy = sanitize.DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", HealthName)
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	d := &Dispatcher{
		cfg:         cfg,
		tokens:      auth.NewTokenAuthenticator(deps.Credential).WithWindow(cfg.TokenWindow),
		limiter:     deps.Limiter,
		policy:      policy,
		arbiter:     deps.Arbiter,
		registry:    deps.MetricsRegistry,
		metrics:     deps.Metrics,
		health:      deps.Health,
		logger:      logger,
		clock:       clk,
		retryConfig: retry.Quick(),
		startTime:   clk.Now(),
	}
	if params, ok := d.tokens.Params(); ok {
		d.paramsReply = &params
	}
	d.lastActivity.Store(time.Time{})
	return d, nil
}

// Start binds the socket and runs the read loop until ctx is done or Stop is
// called. Calling Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return nil
	}

	replies, err := cache.NewTTL[[]byte](ctx, d.cfg.ParamsTTL, d.cfg.ParamsTTL,
		cache.WithMetrics[[]byte](d.registry, "udp_auth_params"),
		cache.WithClock[[]byte](d.clock))
	if err != nil {
		return errors.Wrap(err, "udp-dispatcher", "Start", "reply cache")
	}
	d.replies = replies

	d.shutdown = make(chan struct{})
	d.done = make(chan struct{})

	if err := retry.Do(ctx, d.retryConfig, d.bindSocket); err != nil {
		d.cleanupUnlocked()
		d.setUnhealthy(err.Error())
		return errors.WrapTransient(err, "udp-dispatcher", "Start", "socket binding")
	}

	d.running.Store(true)
	d.startTime = d.clock.Now()
	d.logger.Info("UDP dispatcher started", "address", d.conn.LocalAddr().String(),
		"auth_params", d.paramsReply != nil)
	d.setHealthy(fmt.Sprintf("listening on %s", d.conn.LocalAddr()))

	done := d.done
	go func() {
		defer close(done)
		d.readLoop(ctx)
	}()
	return nil
}

// bindSocket creates and binds the UDP socket
func (d *Dispatcher) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", d.cfg.Address)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("failed to resolve UDP address %s: %w", d.cfg.Address, err))
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP %s: %w", d.cfg.Address, err)
	}

	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		d.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}

	d.conn = conn
	return nil
}

// Addr returns the bound address, or nil when not running.
func (d *Dispatcher) Addr() net.Addr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Serve starts the dispatcher and blocks until ctx is done, then stops it.
func (d *Dispatcher) Serve(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	d.mu.RLock()
	done := d.done
	d.mu.RUnlock()

	select {
	case <-ctx.Done():
		return d.Stop(5 * time.Second)
	case <-done:
		_ = d.Stop(5 * time.Second)
		return errors.WrapTransient(errors.ErrConnectionLost, "udp-dispatcher", "Serve", "read loop")
	}
}

// Stop closes the socket and waits up to timeout for the read loop to exit.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	if !d.running.Load() {
		return nil
	}
	d.running.Store(false)

	d.mu.Lock()
	if d.shutdown != nil {
		select {
		case <-d.shutdown:
		default:
			close(d.shutdown)
		}
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	done := d.done
	d.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"udp-dispatcher", "Stop", "graceful shutdown")
	}

	d.mu.Lock()
	d.cleanupUnlocked()
	d.mu.Unlock()

	if d.health != nil {
		d.health.Update(HealthName, health.NewUnhealthy(HealthName, "stopped"))
	}
	d.logger.Info("UDP dispatcher stopped", "received", d.received.Load(), "accepted", d.accepted.Load())
	return nil
}

// cleanupUnlocked releases resources; the caller holds mu.
func (d *Dispatcher) cleanupUnlocked() {
	if d.shutdown != nil {
		select {
		case <-d.shutdown:
		default:
			close(d.shutdown)
		}
		d.shutdown = nil
	}
	d.done = nil
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	if d.replies != nil {
		_ = d.replies.Close()
		d.replies = nil
	}
}

func (d *Dispatcher) readLoop(ctx context.Context) {
	buf := make([]byte, message.MaxDatagramSize+1)

	d.mu.RLock()
	conn, shutdown := d.conn, d.shutdown
	d.mu.RUnlock()

	for d.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-shutdown:
				return
			default:
				d.errors.Add(1)
				if !errors.IsTransient(err) {
					d.logger.Error("UDP read failed", "error", err)
					d.setUnhealthy(err.Error())
					return
				}
				continue
			}
		}

		d.handle(ctx, conn, buf[:n], from)
	}
}

// handle processes one datagram. data is only valid for the duration of the
// call.
func (d *Dispatcher) handle(ctx context.Context, conn *net.UDPConn, data []byte, from *net.UDPAddr) {
	now := d.clock.Now()
	d.received.Add(1)
	d.lastActivity.Store(now)

	if d.limiter != nil && !d.limiter.Allow(from.IP.String(), now) {
		d.drop("rate_limited")
		return
	}
	if len(data) > message.MaxDatagramSize {
		d.drop("oversize")
		return
	}

	m, err := message.Decode(data)
	if err != nil {
		var de *message.DecodeError
		if stderrors.As(err, &de) && de.Kind == message.UnknownType {
			d.logger.Debug("Dropping datagram of unknown type", "type", de.Type, "remote", from.String())
			d.drop("unknown_type")
			return
		}
		d.drop("malformed")
		return
	}
	d.metrics.RecordMessageReceived("udp", string(m.Type))

	switch p := m.Payload.(type) {
	case message.AuthParamsRequest:
		d.answerParams(conn, from)
	case message.Heartbeat:
		d.answerHeartbeat(conn, m, from, now)
	case message.Input:
		d.handleInput(ctx, m, p, from, now)
	default:
		d.drop("unexpected_type")
	}
}

func (d *Dispatcher) answerParams(conn *net.UDPConn, from *net.UDPAddr) {
	if d.paramsReply == nil {
		d.drop("no_params")
		return
	}

	key := from.String()
	reply, ok := d.replies.Get(key)
	if !ok {
		data, err := message.Encode(message.NewAt(*d.paramsReply, d.clock.Now()))
		if err != nil {
			d.errors.Add(1)
			d.logger.Error("Encoding auth params failed", "error", err)
			return
		}
		if _, err := d.replies.Set(key, data); err != nil {
			d.logger.Warn("Caching auth params reply failed", "error", err)
		}
		reply = data
	}

	if _, err := conn.WriteToUDP(reply, from); err != nil {
		d.errors.Add(1)
		d.logger.Warn("Sending auth params failed", "remote", key, "error", err)
		return
	}
	d.logger.Debug("Auth params sent", "remote", key)
}

// answerHeartbeat acks a heartbeat whose token verifies. Unauthenticated
// heartbeats are dropped without a reply so the socket cannot be used as a
// reflector.
func (d *Dispatcher) answerHeartbeat(conn *net.UDPConn, m message.Message, from *net.UDPAddr, now time.Time) {
	if err := d.tokens.Verify(m, now); err != nil {
		d.metrics.RecordAuth("udp", false)
		d.logger.Debug("Dropping unauthenticated heartbeat", "remote", from.String(), "error", err)
		d.drop("auth")
		return
	}
	d.metrics.RecordAuth("udp", true)

	data, err := message.Encode(message.NewAt(message.HeartbeatAck{}, now))
	if err != nil {
		d.errors.Add(1)
		d.logger.Error("Encoding heartbeat ack failed", "error", err)
		return
	}
	if _, err := conn.WriteToUDP(data, from); err != nil {
		d.errors.Add(1)
		d.logger.Warn("Sending heartbeat ack failed", "remote", from.String(), "error", err)
	}
}

func (d *Dispatcher) handleInput(ctx context.Context, m message.Message, in message.Input, from *net.UDPAddr, now time.Time) {
	if err := d.tokens.Verify(m, now); err != nil {
		d.metrics.RecordAuth("udp", false)
		d.logger.Debug("Dropping unauthenticated input", "remote", from.String(), "error", err)
		d.drop("auth")
		return
	}
	d.metrics.RecordAuth("udp", true)

	clean, err := d.policy.Apply(in)
	if err != nil {
		d.logger.Warn("Dropping invalid input", "remote", from.String(), "error", err)
		d.drop("invalid")
		return
	}

	d.accepted.Add(1)
	if !d.arbiter.Offer(ctx, from.String(), clean, m.Timestamp) {
		d.metrics.RecordDropped("udp", "stale")
	}
}

func (d *Dispatcher) drop(reason string) {
	d.dropped.Add(1)
	d.metrics.RecordDropped("udp", reason)
}

// Stats reports datagram counters: received, accepted inputs, dropped.
func (d *Dispatcher) Stats() (received, accepted, dropped int64) {
	return d.received.Load(), d.accepted.Load(), d.dropped.Load()
}

// Health returns the dispatcher status with its counters.
func (d *Dispatcher) Health() health.Status {
	d.mu.RLock()
	running := d.running.Load() && d.conn != nil
	d.mu.RUnlock()

	var st health.Status
	if running {
		st = health.NewHealthy(HealthName, "receiving")
	} else {
		st = health.NewUnhealthy(HealthName, "not running")
	}
	last, _ := d.lastActivity.Load().(time.Time)
	return st.WithMetrics(&health.Metrics{
		Uptime:           d.clock.Since(d.startTime),
		ErrorCount:       int(d.errors.Load()),
		MessagesAccepted: d.accepted.Load(),
		LastActivity:     last,
	})
}

func (d *Dispatcher) setHealthy(msg string) {
	if d.health != nil {
		d.health.UpdateHealthy(HealthName, msg)
	}
}

func (d *Dispatcher) setUnhealthy(msg string) {
	if d.health != nil {
		d.health.UpdateUnhealthy(HealthName, msg)
	}
}
