package tcp

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/padrelay/arbiter"
	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/health"
	"github.com/c360/padrelay/metric"
	"github.com/c360/padrelay/pkg/retry"
	"github.com/c360/padrelay/processor/sanitize"
	"github.com/c360/padrelay/ratelimit"
)

// HealthName is the component name reported to the health monitor.
const HealthName = "tcp-listener"

// Deps holds runtime dependencies for the listener.
type Deps struct {
	Config     Config
	Credential auth.Credential
	// Iterations is used for plaintext credentials; zero selects the default.
	Iterations uint
	// TLS enables the handshake state when non-nil.
	TLS *tls.Config

	// ConnLimiter is consulted per accepted connection, MessageLimiter per
	// Input message. Both are keyed by remote IP and optional.
	ConnLimiter    *ratelimit.Limiter
	MessageLimiter *ratelimit.Limiter
	Policy         sanitize.Policy
	Arbiter        *arbiter.Arbiter

	Metrics *metric.Metrics
	Health  *health.Monitor
	Logger  *slog.Logger
	Clock   clock.Clock
}

// Listener accepts connections and runs one session per connection.
type Listener struct {
	cfg         Config
	tls         *tls.Config
	auth        *auth.ChallengeAuthenticator
	connLimiter *ratelimit.Limiter
	msgLimiter  *ratelimit.Limiter
	policy      sanitize.Policy
	arbiter     *arbiter.Arbiter
	metrics     *metric.Metrics
	health      *health.Monitor
	logger      *slog.Logger
	clock       clock.Clock
	retryConfig retry.Config

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]*session
	admitted int
	closed   bool
	wg       sync.WaitGroup

	startTime    time.Time
	accepted     atomic.Int64
	rejected     atomic.Int64
	inputs       atomic.Int64
	errors       atomic.Int64
	lastActivity atomic.Value // time.Time
}

// New validates deps and creates a listener. Nothing is bound until Listen
// or Serve.
func New(deps Deps) (*Listener, error) {
	cfg := deps.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Credential.IsZero() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: credential", errors.ErrMissingConfig),
			"tcp-listener", "New", "credential check")
	}
	if deps.Arbiter == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: arbiter", errors.ErrMissingConfig),
			"tcp-listener", "New", "arbiter check")
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

	l := &Listener{
		cfg:         cfg,
		tls:         deps.TLS,
		auth:        auth.NewChallengeAuthenticator(deps.Credential, deps.Iterations),
		connLimiter: deps.ConnLimiter,
		msgLimiter:  deps.MessageLimiter,
		policy:      policy,
		arbiter:     deps.Arbiter,
		metrics:     deps.Metrics,
		health:      deps.Health,
		logger:      logger,
		clock:       clk,
		retryConfig: retry.Quick(),
		sessions:    make(map[string]*session),
		startTime:   clk.Now(),
	}
	l.lastActivity.Store(time.Time{})
	return l, nil
}

// Listen binds the socket, retrying transient bind failures.
func (l *Listener) Listen(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "tcp-listener", "Listen", "state check")
	}
	if l.ln != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "tcp-listener", "Listen", "state check")
	}

	var ln net.Listener
	err := retry.Do(ctx, l.retryConfig, func() error {
		var err error
		ln, err = net.Listen("tcp", l.cfg.Address)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", l.cfg.Address, err)
		}
		return nil
	})
	if err != nil {
		l.setUnhealthy(err.Error())
		return errors.WrapTransient(err, "tcp-listener", "Listen", "socket binding")
	}

	l.ln = ln
	l.startTime = l.clock.Now()
	l.logger.Info("TCP listener started", "address", ln.Addr().String(), "tls", l.tls != nil,
		"max_sessions", l.cfg.MaxSessions)
	l.setHealthy(fmt.Sprintf("listening on %s", ln.Addr()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until ctx is done or Close is called. It binds
// first if Listen has not been called. Serve returns nil after a clean
// shutdown, once every session has ended.
func (l *Listener) Serve(ctx context.Context) error {
	if l.Addr() == nil {
		if err := l.Listen(ctx); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() {
				l.wg.Wait()
				return nil
			}
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.errors.Add(1)
			l.logger.Error("Accept failed", "error", err)
			l.setUnhealthy(err.Error())
			_ = l.Close()
			return errors.WrapTransient(err, "tcp-listener", "Serve", "accept")
		}
		l.handle(ctx, conn)
	}
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	host := hostOf(remote)
	l.lastActivity.Store(l.clock.Now())

	if l.connLimiter != nil && !l.connLimiter.Allow(host, l.clock.Now()) {
		l.rejected.Add(1)
		l.metrics.RecordConnection("rate_limited")
		l.logger.Warn("Connection rate limited", "remote", remote)
		_ = conn.Close()
		return
	}

	s := newSession(l, conn)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.sessions[s.id] = s
	l.wg.Add(1)
	l.mu.Unlock()

	l.accepted.Add(1)
	l.metrics.SessionOpened()
	s.logger.Debug("Connection accepted")

	go func() {
		defer l.wg.Done()
		defer l.remove(s)
		s.run(ctx)
	}()
}

// admit reserves one of the MaxSessions slots for s.
func (l *Listener) admit(s *session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.admitted >= l.cfg.MaxSessions {
		return false
	}
	l.admitted++
	s.admitted = true
	return true
}

func (l *Listener) remove(s *session) {
	l.mu.Lock()
	delete(l.sessions, s.id)
	if s.admitted {
		l.admitted--
	}
	l.mu.Unlock()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting, closes every session and waits for them to end.
// It is safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	ln := l.ln
	sessions := make([]*session, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !stderrors.Is(cerr, net.ErrClosed) {
			err = errors.Wrap(cerr, "tcp-listener", "Close", "close listener")
		}
	}
	for _, s := range sessions {
		s.close()
	}
	l.wg.Wait()

	if l.health != nil {
		l.health.Update(HealthName, health.NewUnhealthy(HealthName, "stopped"))
	}
	l.logger.Info("TCP listener stopped", "sessions_closed", len(sessions))
	return err
}

// SessionInfo describes a live session.
type SessionInfo struct {
	ID         string
	RemoteAddr string
	State      SessionState
	Opened     time.Time
}

// Sessions returns a snapshot of live sessions.
func (l *Listener) Sessions() []SessionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SessionInfo, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s.info())
	}
	return out
}

// Health returns the listener status with its counters.
func (l *Listener) Health() health.Status {
	l.mu.Lock()
	running := l.ln != nil && !l.closed
	active := len(l.sessions)
	l.mu.Unlock()

	var st health.Status
	if running {
		st = health.NewHealthy(HealthName, fmt.Sprintf("%d active session(s)", active))
	} else {
		st = health.NewUnhealthy(HealthName, "not listening")
	}
	last, _ := l.lastActivity.Load().(time.Time)
	return st.WithMetrics(&health.Metrics{
		Uptime:           l.clock.Since(l.startTime),
		ErrorCount:       int(l.errors.Load()),
		MessagesAccepted: l.inputs.Load(),
		LastActivity:     last,
	})
}

func (l *Listener) setHealthy(msg string) {
	if l.health != nil {
		l.health.UpdateHealthy(HealthName, msg)
	}
}

func (l *Listener) setUnhealthy(msg string) {
	if l.health != nil {
		l.health.UpdateUnhealthy(HealthName, msg)
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
