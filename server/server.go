package server

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/c360/padrelay/arbiter"
	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/config"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/health"
	"github.com/c360/padrelay/input/tcp"
	"github.com/c360/padrelay/input/udp"
	"github.com/c360/padrelay/metric"
	"github.com/c360/padrelay/output/file"
	"github.com/c360/padrelay/output/httppost"
	"github.com/c360/padrelay/output/natspub"
	"github.com/c360/padrelay/output/websocket"
	"github.com/c360/padrelay/pkg/security"
	"github.com/c360/padrelay/pkg/tlsutil"
	"github.com/c360/padrelay/processor/sanitize"
	"github.com/c360/padrelay/ratelimit"
)

// Health component names owned by the server.
const (
	SystemName = "padrelay"
	TLSHealth  = "tls"
)

// minExpiryInterval bounds how often idle sources are checked.
const minExpiryInterval = time.Second

// Deps holds what the server needs beyond its configuration.
type Deps struct {
	Config *config.Config
	// ConfigPath is rewritten when the configured password is plaintext.
	// Empty disables persistence.
	ConfigPath string
	// Outputs receive accepted input in addition to the configured NATS
	// publisher and recorder.
	Outputs         []arbiter.Output
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	Clock           clock.Clock
}

// Server is one relay instance. Run may be called once.
type Server struct {
	cfg        *config.Config
	credential auth.Credential
	outputs    []arbiter.Output
	registry   *metric.MetricsRegistry
	metrics    *metric.Metrics
	health     *health.Monitor
	logger     *slog.Logger
	clock      clock.Clock

	mu      sync.Mutex
	started bool
	arbiter *arbiter.Arbiter
	addr    net.Addr
	ready   chan struct{}
}

// New validates the configuration and resolves the credential.
func New(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "server", "New", "config check")
	}
	cfg := deps.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	registry := deps.MetricsRegistry
	if registry == nil {
		registry = metric.NewMetricsRegistry()
	}
	metrics := registry.CoreMetrics()

	monitor := health.NewMonitor()
	monitor.Observe(metrics.RecordHealthStatus)

	s := &Server{
		cfg:      cfg,
		outputs:  deps.Outputs,
		registry: registry,
		metrics:  metrics,
		health:   monitor,
		logger:   logger,
		clock:    clk,
		ready:    make(chan struct{}),
	}

	cred, err := s.resolveCredential(deps.ConfigPath)
	if err != nil {
		return nil, err
	}
	s.credential = cred
	return s, nil
}

// resolveCredential checks a plaintext password's strength and replaces it
// with its hash in the config file. A failed rewrite is logged and the
// plaintext credential is used.
func (s *Server) resolveCredential(path string) (auth.Credential, error) {
	cred, err := s.cfg.Server.Credential()
	if err != nil {
		return auth.Credential{}, errors.WrapInvalid(err, "server", "New", "parse credential")
	}
	secret, plaintext := cred.Secret()
	if !plaintext {
		return cred, nil
	}

	if strength := auth.CheckStrength(secret); !strength.Acceptable() {
		suggestion, _ := auth.SuggestPassword()
		s.logger.Warn("Configured password is very weak",
			"score", strength.Score, "recommendations", strength.Recommendations, "suggestion", suggestion)
	} else if strength.Level == auth.Weak {
		s.logger.Warn("Configured password is weak", "score", strength.Score, "recommendations", strength.Recommendations)
	}

	if path == "" || s.cfg.PasswordFromEnv() {
		return cred, nil
	}
	hash, err := config.PersistHashedPassword(path, s.cfg.Server.Iterations)
	if err != nil {
		s.logger.Error("Failed to store hashed password in config", "path", path, "error", err)
		return cred, nil
	}
	if hash == "" {
		return cred, nil
	}
	hashed, err := auth.ParseCredential(hash)
	if err != nil {
		return auth.Credential{}, errors.WrapFatal(err, "server", "New", "reload hashed credential")
	}
	s.cfg.Server.Password = hash
	s.logger.Info("Converted plaintext password to hash in config", "path", path)
	return hashed, nil
}

// Health returns the monitor every component reports to.
func (s *Server) Health() *health.Monitor { return s.health }

// Registry returns the metrics registry.
func (s *Server) Registry() *metric.MetricsRegistry { return s.registry }

// Ready is closed once the transport socket is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the transport's bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Arbiter returns the active-source arbiter, or nil before Run.
func (s *Server) Arbiter() *arbiter.Arbiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arbiter
}

// Run starts every component and blocks until ctx is done or one of them
// fails. Cancellation is a clean exit and returns nil.
func (s *Server) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "server", "Run", "state check")
	}
	s.started = true
	s.mu.Unlock()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i].Close())
		}
	}()

	outputs := append([]arbiter.Output(nil), s.outputs...)
	if s.cfg.NATS.Enabled {
		pub, err := natspub.Connect(ctx, s.cfg.NATS.Config, s.logger.With("output", "nats"))
		if err != nil {
			return err
		}
		closers = append(closers, pub)
		outputs = append(outputs, pub)
	}
	var recorder *file.Recorder
	if s.cfg.Record.Enabled {
		recorder, err = file.Open(s.cfg.Record.Config, s.logger.With("output", "file"))
		if err != nil {
			return err
		}
		recorder.WithClock(s.clock)
		closers = append(closers, recorder)
		outputs = append(outputs, recorder)
	}

	arb := arbiter.New(arbiter.Deps{Logger: s.logger, Metrics: s.metrics, Clock: s.clock}, outputs...)
	s.mu.Lock()
	s.arbiter = arb
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	var monitor *websocket.Monitor
	if s.cfg.Monitor.Enabled {
		monitor, err = websocket.New(websocket.Deps{
			Config:          s.cfg.Monitor.Config,
			Source:          arb,
			MetricsRegistry: s.registry,
			Logger:          s.logger,
			Clock:           s.clock,
		})
		if err != nil {
			return abort(err)
		}
	}

	if recorder != nil {
		g.Go(func() error { return recorder.Run(gctx) })
	}
	if s.cfg.Webhook.Enabled {
		notifier, err := httppost.New(s.cfg.Webhook.Config, arb, s.logger.With("output", "webhook"))
		if err != nil {
			return abort(err)
		}
		g.Go(func() error { return notifier.Run(gctx) })
	}

	serve, err := s.startTransport(gctx, g, arb)
	if err != nil {
		return abort(err)
	}
	g.Go(func() error { return serve(gctx) })

	if idle := s.cfg.Server.IdleTimeout; idle > 0 {
		interval := max(idle/4, minExpiryInterval)
		g.Go(func() error {
			arb.RunExpiry(gctx, interval, idle)
			return nil
		})
	}

	if monitor != nil {
		g.Go(func() error { return monitor.Serve(gctx) })
	}

	if s.cfg.Metrics.Enabled {
		ms := metric.NewServer(s.cfg.Metrics.Address, s.cfg.Metrics.Path, s.registry,
			s.health.Handler(SystemName), security.Config{})
		g.Go(ms.Start)
		g.Go(func() error {
			<-gctx.Done()
			return ms.Stop()
		})
		s.logger.Info("Metrics enabled", "address", s.cfg.Metrics.Address, "path", s.cfg.Metrics.Path)
	}

	waitErr := g.Wait()
	if stderrors.Is(waitErr, context.Canceled) || stderrors.Is(waitErr, context.DeadlineExceeded) {
		waitErr = nil
	}
	s.logger.Info("Server stopped", "error", waitErr)
	return waitErr
}

// startTransport binds the configured transport and returns its serve loop.
func (s *Server) startTransport(ctx context.Context, g *errgroup.Group, arb *arbiter.Arbiter) (func(context.Context) error, error) {
	sc := s.cfg.Server

	connLimiter, err := ratelimit.New(sc.RateLimit, ratelimit.WithMetrics(s.metrics, "source_"+sc.Protocol))
	if err != nil {
		return nil, errors.Wrap(err, "server", "Run", "connection limiter")
	}

	switch sc.Protocol {
	case config.ProtocolUDP:
		d, err := udp.New(udp.Deps{
			Config: udp.Config{
				Address:     sc.Address(),
				TokenWindow: sc.TokenWindow,
			},
			Credential:      s.credential,
			Limiter:         connLimiter,
			Policy:          sanitize.DefaultPolicy(),
			Arbiter:         arb,
			MetricsRegistry: s.registry,
			Metrics:         s.metrics,
			Health:          s.health,
			Logger:          s.logger.With("transport", "udp"),
			Clock:           s.clock,
		})
		if err != nil {
			return nil, err
		}
		if err := d.Start(ctx); err != nil {
			return nil, err
		}
		s.markReady(d.Addr())
		return d.Serve, nil

	default:
		tlsConfig, err := s.loadTLS(ctx, g)
		if err != nil {
			return nil, err
		}
		msgLimiter, err := ratelimit.New(sc.MessageRateLimit, ratelimit.WithMetrics(s.metrics, "message"))
		if err != nil {
			return nil, errors.Wrap(err, "server", "Run", "message limiter")
		}
		l, err := tcp.New(tcp.Deps{
			Config: tcp.Config{
				Address:          sc.Address(),
				MaxSessions:      sc.MaxSessions,
				AuthTimeout:      sc.AuthTimeout,
				HeartbeatTimeout: sc.HeartbeatTimeout,
			},
			Credential:     s.credential,
			Iterations:     sc.Iterations,
			TLS:            tlsConfig,
			ConnLimiter:    connLimiter,
			MessageLimiter: msgLimiter,
			Policy:         sanitize.DefaultPolicy(),
			Arbiter:        arb,
			Metrics:        s.metrics,
			Health:         s.health,
			Logger:         s.logger.With("transport", "tcp"),
			Clock:          s.clock,
		})
		if err != nil {
			return nil, err
		}
		if err := l.Listen(ctx); err != nil {
			return nil, err
		}
		s.markReady(l.Addr())
		return l.Serve, nil
	}
}

// loadTLS returns nil when TLS is disabled. Otherwise it ensures the
// certificate and starts the expiry watcher in g.
func (s *Server) loadTLS(ctx context.Context, g *errgroup.Group) (*tls.Config, error) {
	tc := s.cfg.Server.TLS
	if !tc.Enabled {
		return nil, nil
	}

	dir := tc.CertDir
	if dir == "" && (tc.CertFile == "" || tc.KeyFile == "") {
		var err error
		if dir, err = tlsutil.DefaultCertDir(); err != nil {
			return nil, err
		}
	}
	mgr := tlsutil.NewManager(dir, s.logger)
	mgr.Clock = s.clock

	mat, err := mgr.Ensure(tc.CertFile, tc.KeyFile, tc.Hostname)
	if err != nil {
		s.health.UpdateUnhealthy(TLSHealth, err.Error())
		return nil, err
	}
	s.health.UpdateHealthy(TLSHealth, fmt.Sprintf("certificate valid until %s", mat.NotAfter.Format(time.RFC3339)))

	interval := s.cfg.Server.CertCheckInterval
	if interval <= 0 {
		interval = config.DefaultCertCheckInterval
	}
	g.Go(func() error {
		mgr.Watch(ctx, mat, interval, func(remaining time.Duration, w *tlsutil.ExpiryWarning) {
			s.metrics.RecordCertificateExpiry(remaining)
			switch {
			case w == nil:
				s.health.UpdateHealthy(TLSHealth, fmt.Sprintf("certificate valid until %s", mat.NotAfter.Format(time.RFC3339)))
			case w.Expired:
				s.health.UpdateUnhealthy(TLSHealth, w.String())
			default:
				s.health.UpdateDegraded(TLSHealth, w.String())
			}
		})
		return nil
	})

	return tlsutil.ServerConfig(mat, tc.MinVersion), nil
}

func (s *Server) markReady(addr net.Addr) {
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("Relay ready", "protocol", s.cfg.Server.Protocol, "address", addr.String())
}
