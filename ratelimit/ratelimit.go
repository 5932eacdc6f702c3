// Package ratelimit implements the relay's fixed-window request limiter with
// temporary blocking, keyed by client address.
//
// Per-key state lives in an expirable LRU bounded by Config.MaxClients. An
// entry untouched for Config.IdleTTL is dropped; since IdleTTL is at least one
// window plus one block, dropping it is indistinguishable from its window
// having elapsed.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/metric"
)

// DefaultMaxClients bounds the number of tracked keys.
const DefaultMaxClients = 4096

// Config holds limiter parameters.
type Config struct {
	Window        time.Duration `json:"window" yaml:"window"`
	MaxRequests   int           `json:"max_requests" yaml:"max_requests"`
	BlockDuration time.Duration `json:"block_duration" yaml:"block_duration"`
	MaxClients    int           `json:"max_clients,omitempty" yaml:"max_clients,omitempty"`
	IdleTTL       time.Duration `json:"idle_ttl,omitempty" yaml:"idle_ttl,omitempty"`
}

// TCPDefaults limits connection attempts: 100 per minute, 2 s block.
func TCPDefaults() Config {
	return Config{Window: time.Minute, MaxRequests: 100, BlockDuration: 2 * time.Second}
}

// UDPDefaults limits datagrams: 6000 per minute, 2 s block.
func UDPDefaults() Config {
	return Config{Window: time.Minute, MaxRequests: 6000, BlockDuration: 2 * time.Second}
}

// MessageDefaults limits input messages inside an authenticated TCP session.
func MessageDefaults() Config {
	return Config{Window: time.Minute, MaxRequests: 6000, BlockDuration: 2 * time.Second}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return errors.WrapInvalid(fmt.Errorf("%w: window must be positive", errors.ErrInvalidConfig), "ratelimit", "Validate", "check window")
	case c.MaxRequests <= 0:
		return errors.WrapInvalid(fmt.Errorf("%w: max_requests must be positive", errors.ErrInvalidConfig), "ratelimit", "Validate", "check max_requests")
	case c.BlockDuration < 0:
		return errors.WrapInvalid(fmt.Errorf("%w: block_duration cannot be negative", errors.ErrInvalidConfig), "ratelimit", "Validate", "check block_duration")
	case c.MaxClients < 0:
		return errors.WrapInvalid(fmt.Errorf("%w: max_clients cannot be negative", errors.ErrInvalidConfig), "ratelimit", "Validate", "check max_clients")
	case c.IdleTTL != 0 && c.IdleTTL < c.Window+c.BlockDuration:
		return errors.WrapInvalid(fmt.Errorf("%w: idle_ttl must cover window plus block_duration", errors.ErrInvalidConfig),
			"ratelimit", "Validate", "check idle_ttl")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.MaxClients == 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = c.Window + c.BlockDuration
	}
	return c
}

// state is the per-key record.
type state struct {
	windowStart  time.Time
	count        int
	blockedUntil time.Time // zero when not blocked
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMetrics records rejections and evictions under the given limiter name.
func WithMetrics(m *metric.Metrics, name string) Option {
	return func(l *Limiter) {
		l.metrics = m
		if name != "" {
			l.name = name
		}
	}
}

// Limiter is a concurrency-safe fixed-window limiter.
type Limiter struct {
	name    string
	cfg     Config
	metrics *metric.Metrics

	mu      sync.Mutex
	entries *expirable.LRU[string, *state]
}

// New creates a limiter.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{name: "default", cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(l)
	}

	l.entries = expirable.NewLRU[string, *state](l.cfg.MaxClients, func(string, *state) {
		l.metrics.RecordLimiterEviction(l.name)
	}, l.cfg.IdleTTL)

	return l, nil
}

// Allow records a request from key at now and reports whether it may proceed.
// Requests arriving while the key is blocked are rejected without being
// counted. Once a block has expired the next request opens a fresh window.
func (l *Limiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.entries.Get(key)
	if !ok {
		st = &state{windowStart: now}
	}

	if !st.blockedUntil.IsZero() {
		if now.Before(st.blockedUntil) {
			l.metrics.RecordRateLimited(l.name)
			return false
		}
		st.blockedUntil = time.Time{}
		st.windowStart = now
		st.count = 0
	}

	if now.Sub(st.windowStart) >= l.cfg.Window {
		st.windowStart = now
		st.count = 0
	}

	st.count++
	allowed := st.count <= l.cfg.MaxRequests
	if !allowed {
		st.blockedUntil = now.Add(l.cfg.BlockDuration)
		l.metrics.RecordRateLimited(l.name)
	}

	// Add refreshes the idle TTL
	l.entries.Add(key, st)
	return allowed
}

// Blocked reports whether key is currently blocked at now.
func (l *Limiter) Blocked(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.entries.Peek(key)
	return ok && now.Before(st.blockedUntil)
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.Remove(key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	return l.entries.Len()
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}
