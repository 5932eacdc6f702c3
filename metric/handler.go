package metric

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/pkg/security"
	"github.com/c360/padrelay/pkg/tlsutil"
)

// DefaultAddr is the metrics listen address when none is configured.
const DefaultAddr = "127.0.0.1:9090"

// Server represents the metrics HTTP server
type Server struct {
	addr     string
	path     string
	server   *http.Server
	listener net.Listener
	registry *MetricsRegistry
	health   http.Handler
	security security.Config
	mu       sync.Mutex // protects server and listener
}

// NewServer creates a new metrics server with the provided registry. health,
// when non-nil, is served on /health.
func NewServer(addr, path string, registry *MetricsRegistry, health http.Handler, securityCfg security.Config) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = DefaultAddr
	}

	return &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		health:   health,
		security: securityCfg,
	}
}

// Handler builds the metrics mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	))

	if s.health != nil {
		mux.Handle("/health", s.health)
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprintf(w, `<html>
<head><title>PadRelay Metrics</title></head>
<body>
<h1>PadRelay</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="/health">Health</a></p>
</body>
</html>`, s.path)
	})

	return mux
}

// Start listens on the configured address and serves until Stop is called.
// It returns nil after a clean Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrTransport, err), "Server", "Start",
			fmt.Sprintf("listen on %s", s.addr))
	}
	return s.Serve(ln)
}

// Serve serves metrics on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()

	if s.server != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Serve", "cannot start server that is already running")
	}

	if s.registry == nil {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.WrapFatal(
			fmt.Errorf("%w: nil registry", errors.ErrMissingConfig),
			"Server", "Serve", "metrics registry not provided")
	}

	server := &http.Server{Handler: s.Handler()}

	tlsEnabled := s.security.TLS.Server.Enabled
	if tlsEnabled {
		tlsConfig, err := tlsutil.LoadServerTLSConfig(s.security.TLS.Server)
		if err != nil {
			s.mu.Unlock()
			_ = ln.Close()
			return errors.WrapFatal(err, "Server", "Serve", "load TLS config")
		}
		server.TLSConfig = tlsConfig
	}

	s.server = server
	s.listener = ln
	s.mu.Unlock()

	var err error
	if tlsEnabled {
		err = server.ServeTLS(ln, "", "")
	} else {
		err = server.Serve(ln)
	}

	if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Serve",
			fmt.Sprintf("failed to serve on %s", ln.Addr()))
	}
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil // reset server field to allow restart
		s.listener = nil
		if err != nil {
			return errors.WrapTransient(err, "Server", "Stop",
				"failed to stop HTTP server")
		}
	}
	return nil
}

// Address returns the metrics URL
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheme := "http"
	if s.security.TLS.Server.Enabled {
		scheme = "https"
	}
	addr := s.addr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, s.path)
}
