package websocket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/padrelay/arbiter"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/metric"
	"github.com/c360/padrelay/pkg/timestamp"
)

// Envelope types
const (
	TypeSnapshot = "snapshot"
	TypeAccepted = "accepted"
	TypeReleased = "released"
	TypeExpired  = "expired"
)

// Config holds monitor settings.
type Config struct {
	Address      string        `json:"address"                 yaml:"address"`
	Path         string        `json:"path,omitempty"          yaml:"path,omitempty"`
	PingInterval time.Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	ClientBuffer int           `json:"client_buffer,omitempty" yaml:"client_buffer,omitempty"`
	// AllowedOrigins restricts browser origins; empty allows same-host only.
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// DefaultConfig returns a loopback-only monitor on port 8081.
func DefaultConfig() Config {
	return Config{
		Address:      "127.0.0.1:8081",
		Path:         "/ws",
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		ClientBuffer: 64,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "websocket-monitor", "Validate", "address is required")
	}
	if c.ClientBuffer < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "websocket-monitor", "Validate",
			fmt.Sprintf("client_buffer must be >= 0, got %d", c.ClientBuffer))
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ClientBuffer == 0 {
		c.ClientBuffer = d.ClientBuffer
	}
	return c
}

// Source is the part of the arbiter the monitor reads.
type Source interface {
	Watch(buffer int) (<-chan arbiter.Event, func())
	Latest() (arbiter.ActiveSource, bool)
}

// Envelope is one frame sent to clients.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SourceView is the envelope payload.
type SourceView struct {
	Address   string        `json:"address"`
	Input     message.Input `json:"input"`
	Timestamp string        `json:"timestamp,omitempty"`
	LastSeen  string        `json:"last_seen,omitempty"`
}

// Deps holds runtime dependencies.
type Deps struct {
	Config          Config
	Source          Source
	MetricsRegistry *metric.MetricsRegistry
	TLS             *tls.Config
	Logger          *slog.Logger
	Clock           clock.Clock
}

// Monitor broadcasts active-source events to websocket clients.
type Monitor struct {
	cfg      Config
	source   Source
	tls      *tls.Config
	logger   *slog.Logger
	clock    clock.Clock
	metrics  *monitorMetrics
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[string]*client
	wg        sync.WaitGroup

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener

	events      <-chan arbiter.Event
	cancelWatch func()

	sent    atomic.Int64
	dropped atomic.Int64
}

type client struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time
	closeOnce   sync.Once
	done        chan struct{}
}

type monitorMetrics struct {
	clients     prometheus.Gauge
	connections prometheus.Counter
	sent        *prometheus.CounterVec
	dropped     *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) (*monitorMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &monitorMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "padrelay", Subsystem: "monitor",
			Name: "clients_connected", Help: "Connected monitor clients",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "padrelay", Subsystem: "monitor",
			Name: "client_connections_total", Help: "Monitor client connections",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "padrelay", Subsystem: "monitor",
			Name: "messages_sent_total", Help: "Envelopes queued to monitor clients",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "padrelay", Subsystem: "monitor",
			Name: "messages_dropped_total", Help: "Envelopes not delivered to monitor clients",
		}, []string{"reason"}),
	}
	if err := registry.RegisterGauge("monitor", "clients_connected", m.clients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("monitor", "client_connections_total", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("monitor", "messages_sent_total", m.sent); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("monitor", "messages_dropped_total", m.dropped); err != nil {
		return nil, err
	}
	return m, nil
}

// New creates a monitor subscribed to source. Call Serve, or Run together with
// Handler, to deliver events.
func New(deps Deps) (*Monitor, error) {
	if deps.Source == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "websocket-monitor", "New", "source is required")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	metrics, err := newMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "websocket-monitor", "New", "register metrics")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	cfg := deps.Config.withDefaults()
	m := &Monitor{
		cfg:     cfg,
		source:  deps.Source,
		tls:     deps.TLS,
		logger:  logger.With("component", "websocket-monitor"),
		clock:   clk,
		metrics: metrics,
		clients: make(map[string]*client),
	}
	m.events, m.cancelWatch = deps.Source.Watch(cfg.ClientBuffer)
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     m.checkOrigin,
	}
	return m, nil
}

func (m *Monitor) checkOrigin(r *http.Request) bool {
	if len(m.cfg.AllowedOrigins) == 0 {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	origin := r.Header.Get("Origin")
	for _, o := range m.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(m.cfg.Path, m.handleUpgrade)
	return mux
}

// Serve listens on the configured address, forwards events and blocks until
// ctx is done.
func (m *Monitor) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.cfg.Address)
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "websocket-monitor", "Serve", "listen")
	}
	if m.tls != nil {
		ln = tls.NewListener(ln, m.tls)
	}
	srv := &http.Server{Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}

	m.mu.Lock()
	m.server, m.ln = srv, ln
	m.mu.Unlock()

	m.logger.Info("Monitor listening", "address", ln.Addr().String(), "path", m.cfg.Path, "tls", m.tls != nil)

	errc := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	runErr := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(runErr)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errc:
		if ok {
			serveErr = errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrTransport, err), "websocket-monitor", "Serve", "serve")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	m.closeAll()
	<-runErr
	return serveErr
}

// Addr returns the bound address once Serve is listening.
func (m *Monitor) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

// Run forwards arbiter events to clients and pings them until ctx is done.
// Events are collected from the moment New returns. Run must be called once.
func (m *Monitor) Run(ctx context.Context) {
	defer m.cancelWatch()
	events := m.events

	ping := m.clock.Ticker(m.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.broadcast(eventType(ev.Kind), ev.Source)
		case <-ping.C:
			m.pingAll()
		}
	}
}

func eventType(k arbiter.EventKind) string {
	switch k {
	case arbiter.Released:
		return TypeReleased
	case arbiter.Expired:
		return TypeExpired
	default:
		return TypeAccepted
	}
}

func (m *Monitor) envelope(kind string, src *arbiter.ActiveSource) ([]byte, error) {
	env := Envelope{
		Type:      kind,
		ID:        uuid.NewString(),
		Timestamp: timestamp.ToUnixMs(m.clock.Now()),
	}
	if src != nil {
		view := SourceView{Address: src.Address, Input: src.Input}
		view.Input.Token = ""
		if !src.Timestamp.IsZero() {
			view.Timestamp = timestamp.Format(src.Timestamp)
		}
		if !src.LastSeen.IsZero() {
			view.LastSeen = timestamp.Format(src.LastSeen)
		}
		payload, err := json.Marshal(view)
		if err != nil {
			return nil, err
		}
		env.Payload = payload
	}
	return json.Marshal(env)
}

func (m *Monitor) broadcast(kind string, src arbiter.ActiveSource) {
	data, err := m.envelope(kind, &src)
	if err != nil {
		m.logger.Warn("Failed to encode event", "type", kind, "error", err)
		return
	}

	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for _, c := range m.clients {
		m.enqueue(c, kind, data)
	}
}

func (m *Monitor) enqueue(c *client, kind string, data []byte) {
	select {
	case c.send <- data:
		m.sent.Add(1)
		if m.metrics != nil {
			m.metrics.sent.WithLabelValues(kind).Inc()
		}
	default:
		m.dropped.Add(1)
		if m.metrics != nil {
			m.metrics.dropped.WithLabelValues("slow_client").Inc()
		}
	}
}

func (m *Monitor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		if m.metrics != nil {
			m.metrics.dropped.WithLabelValues("upgrade_failed").Inc()
		}
		return
	}

	c := &client{
		id:          uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, m.cfg.ClientBuffer),
		connectedAt: m.clock.Now(),
		done:        make(chan struct{}),
	}

	// the snapshot is queued before the client is registered for events
	var snap []byte
	if src, ok := m.source.Latest(); ok {
		snap, err = m.envelope(TypeSnapshot, &src)
	} else {
		snap, err = m.envelope(TypeSnapshot, nil)
	}
	if err == nil {
		c.send <- snap
	}

	m.clientsMu.Lock()
	m.clients[c.id] = c
	count := len(m.clients)
	m.clientsMu.Unlock()

	if m.metrics != nil {
		m.metrics.connections.Inc()
		m.metrics.clients.Set(float64(count))
	}
	m.logger.Debug("Monitor client connected", "client_id", c.id, "remote", r.RemoteAddr)

	m.wg.Add(2)
	go m.writePump(c)
	go m.readPump(c)
}

func (m *Monitor) writePump(c *client) {
	defer m.wg.Done()
	defer m.remove(c)

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (m *Monitor) readPump(c *client) {
	defer m.wg.Done()
	defer m.remove(c)

	deadline := 2 * m.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *Monitor) pingAll() {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for _, c := range m.clients {
		// WriteControl is safe to call concurrently with WriteMessage
		if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
			go m.remove(c)
		}
	}
}

func (m *Monitor) remove(c *client) {
	c.closeOnce.Do(func() {
		close(c.done)

		m.clientsMu.Lock()
		delete(m.clients, c.id)
		count := len(m.clients)
		m.clientsMu.Unlock()

		if m.metrics != nil {
			m.metrics.clients.Set(float64(count))
		}
		_ = c.conn.Close()
		m.logger.Debug("Monitor client disconnected", "client_id", c.id,
			"duration", m.clock.Since(c.connectedAt))
	})
}

func (m *Monitor) closeAll() {
	m.clientsMu.RLock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.RUnlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"),
			time.Now().Add(time.Second))
		m.remove(c)
	}
	m.wg.Wait()
}

// Clients returns the number of connected clients.
func (m *Monitor) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Stats returns the number of envelopes queued and dropped.
func (m *Monitor) Stats() (sent, dropped int64) {
	return m.sent.Load(), m.dropped.Load()
}
