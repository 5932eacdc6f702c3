package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "padrelay"

// Metrics contains the relay-level metrics. A nil *Metrics is valid and
// records nothing, so components can run without a registry.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	AuthAttempts      *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	RateLimited       *prometheus.CounterVec
	LimiterEvictions  *prometheus.CounterVec
	ArbiterUpdates    *prometheus.CounterVec
	OutputErrors      *prometheus.CounterVec
	SessionDuration   *prometheus.HistogramVec
	CertificateExpiry prometheus.Gauge
	HealthCheckStatus *prometheus.GaugeVec
}

// NewMetrics creates the relay metrics without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "sessions_active",
			Help:      "Number of open TCP sessions",
		}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections_total",
			Help:      "TCP connection attempts by outcome",
		}, []string{"result"}),

		AuthAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Authentication attempts by transport and result",
		}, []string{"transport", "result"}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Decoded messages by transport and type",
		}, []string{"transport", "type"}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Messages dropped by transport and reason",
		}, []string{"transport", "reason"}),

		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Requests rejected by a rate limiter",
		}, []string{"limiter"}),

		LimiterEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "evictions_total",
			Help:      "Client entries evicted from a rate limiter",
		}, []string{"limiter"}),

		ArbiterUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "offers_total",
			Help:      "Inputs offered to the active-source arbiter by result",
		}, []string{"result"}),

		OutputErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "errors_total",
			Help:      "Failed ApplyInput calls by output",
		}, []string{"output"}),

		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "session_duration_seconds",
			Help:      "Lifetime of TCP sessions by final state",
			Buckets:   []float64{1, 5, 15, 60, 300, 1800, 3600, 14400},
		}, []string{"state"}),

		CertificateExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "certificate_expiry_seconds",
			Help:      "Seconds until the server certificate expires",
		}),

		HealthCheckStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health check status (0=unhealthy, 1=healthy)",
		}, []string{"component"}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.SessionsActive,
		c.ConnectionsTotal,
		c.AuthAttempts,
		c.MessagesReceived,
		c.MessagesDropped,
		c.RateLimited,
		c.LimiterEvictions,
		c.ArbiterUpdates,
		c.OutputErrors,
		c.SessionDuration,
		c.CertificateExpiry,
		c.HealthCheckStatus,
	}
}

// SessionOpened increments the active session gauge
func (c *Metrics) SessionOpened() {
	if c == nil {
		return
	}
	c.SessionsActive.Inc()
}

// SessionClosed decrements the active session gauge and records its lifetime
func (c *Metrics) SessionClosed(state string, lifetime time.Duration) {
	if c == nil {
		return
	}
	c.SessionsActive.Dec()
	c.SessionDuration.WithLabelValues(state).Observe(lifetime.Seconds())
}

// RecordConnection counts a TCP connection attempt
func (c *Metrics) RecordConnection(result string) {
	if c == nil {
		return
	}
	c.ConnectionsTotal.WithLabelValues(result).Inc()
}

// RecordAuth counts an authentication attempt
func (c *Metrics) RecordAuth(transport string, ok bool) {
	if c == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	c.AuthAttempts.WithLabelValues(transport, result).Inc()
}

// RecordMessageReceived increments received message counter
func (c *Metrics) RecordMessageReceived(transport, messageType string) {
	if c == nil {
		return
	}
	c.MessagesReceived.WithLabelValues(transport, messageType).Inc()
}

// RecordDropped counts a dropped message
func (c *Metrics) RecordDropped(transport, reason string) {
	if c == nil {
		return
	}
	c.MessagesDropped.WithLabelValues(transport, reason).Inc()
}

// RecordRateLimited counts a limiter rejection
func (c *Metrics) RecordRateLimited(limiter string) {
	if c == nil {
		return
	}
	c.RateLimited.WithLabelValues(limiter).Inc()
}

// RecordLimiterEviction counts an evicted limiter entry
func (c *Metrics) RecordLimiterEviction(limiter string) {
	if c == nil {
		return
	}
	c.LimiterEvictions.WithLabelValues(limiter).Inc()
}

// RecordArbiterOffer counts an arbiter offer by result (accepted, stale, released, expired)
func (c *Metrics) RecordArbiterOffer(result string) {
	if c == nil {
		return
	}
	c.ArbiterUpdates.WithLabelValues(result).Inc()
}

// RecordOutputError counts a failed output call
func (c *Metrics) RecordOutputError(output string) {
	if c == nil {
		return
	}
	c.OutputErrors.WithLabelValues(output).Inc()
}

// RecordCertificateExpiry sets the time remaining on the server certificate
func (c *Metrics) RecordCertificateExpiry(remaining time.Duration) {
	if c == nil {
		return
	}
	c.CertificateExpiry.Set(remaining.Seconds())
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	if c == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}
