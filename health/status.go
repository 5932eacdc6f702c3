// Package health tracks the health of relay components and redacts sensitive
// detail from messages that leave the process.
package health

import (
	"regexp"
	"strings"
	"time"
)

var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential|response|challenge)[^a-zA-Z]*[:=][^,\s}]+`)
	hashStringRegex  = regexp.MustCompile(`pbkdf2_sha256\$[^\s"]+`)
	longHexRegex     = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related counters
type Metrics struct {
	Uptime           time.Duration `json:"uptime"`
	ErrorCount       int           `json:"error_count"`
	MessagesAccepted int64         `json:"messages_accepted,omitempty"`
	LastActivity     time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// Redact removes sensitive detail from a free-text message before it is
// logged, reported as health or sent to a peer.
//
//   - credential hash strings and hex runs of 32+ digits (keys, tokens) → [REDACTED]
//   - URLs (http, https, nats, ws, wss) → [URL]
//   - file paths → [PATH]
//   - IPv4 addresses → [IP], ports → [PORT]
//   - key=value pairs naming a password, token, key, secret, response or challenge → [REDACTED]
func Redact(msg string) string {
	if msg == "" {
		return ""
	}

	out := hashStringRegex.ReplaceAllString(msg, "[REDACTED]")
	out = longHexRegex.ReplaceAllString(out, "[REDACTED]")

	// URLs before paths, since URLs contain paths.
	out = httpURLRegex.ReplaceAllString(out, "[URL]")
	out = natsURLRegex.ReplaceAllString(out, "[URL]")
	out = wsURLRegex.ReplaceAllString(out, "[URL]")

	out = unixPathRegex.ReplaceAllString(out, "[PATH]")
	out = windowsPathRegex.ReplaceAllString(out, "[PATH]")
	out = ipAddrRegex.ReplaceAllString(out, "[IP]")
	out = portRegex.ReplaceAllString(out, "[PORT]")

	lower := strings.ToLower(out)
	for _, word := range []string{"password", "token", "key", "secret", "credential", "response", "challenge"} {
		if strings.Contains(lower, word) {
			out = credentialRegex.ReplaceAllString(out, "[REDACTED]")
			break
		}
	}

	return out
}

// FromError builds a status for component from the outcome of an operation.
// A nil error is healthy; otherwise the redacted error text becomes the
// message.
func FromError(component string, err error, healthyMessage string) Status {
	if err == nil {
		return NewHealthy(component, healthyMessage)
	}
	return NewUnhealthy(component, Redact(err.Error()))
}
