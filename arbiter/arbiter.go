// Package arbiter owns the relay's single active-source record. The newest
// authenticated input wins, regardless of which client or transport sent it,
// and accepted inputs are pushed to outputs in acceptance order.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/metric"
)

// Output receives every accepted input. Failures are logged and not retried.
type Output interface {
	ApplyInput(ctx context.Context, in message.Input) error
}

// Named outputs are labelled by Name in logs and metrics.
type Named interface {
	Name() string
}

// ActiveSource is the currently authoritative client.
type ActiveSource struct {
	Address string
	Input   message.Input
	// Timestamp is the message timestamp of Input.
	Timestamp time.Time
	// LastSeen is the server time Input was accepted.
	LastSeen time.Time
}

// EventKind says why an Event was emitted.
type EventKind int

// Event kinds
const (
	Accepted EventKind = iota
	Released
	Expired
)

func (k EventKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Released:
		return "released"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event reports a change of the active source. For Released and Expired the
// Source carries the departing address and a neutral Input.
type Event struct {
	Kind   EventKind
	Source ActiveSource
}

// Deps holds runtime dependencies.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
	Clock   clock.Clock
}

// Arbiter is safe for concurrent use.
type Arbiter struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	clock   clock.Clock
	outputs []Output

	mu       sync.Mutex
	active   *ActiveSource
	newest   time.Time // newest accepted timestamp; survives Release and Expire
	watchers map[int]chan Event
	nextID   int

	// delivery serializes output calls in acceptance order; it is taken
	// before mu is released
	delivery sync.Mutex
}

// New creates an arbiter that pushes to outputs.
func New(deps Deps, outputs ...Output) *Arbiter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Arbiter{
		logger:   logger.With("component", "arbiter"),
		metrics:  deps.Metrics,
		clock:    clk,
		outputs:  outputs,
		watchers: make(map[int]chan Event),
	}
}

// Offer proposes in from source, stamped ts. It becomes active only if ts is
// strictly newer than every timestamp accepted so far, including records since
// released or expired. Returns whether it was accepted.
func (a *Arbiter) Offer(ctx context.Context, source string, in message.Input, ts time.Time) bool {
	a.mu.Lock()
	if !a.newest.IsZero() && !ts.After(a.newest) {
		a.mu.Unlock()
		a.metrics.RecordArbiterOffer("stale")
		return false
	}

	rec := ActiveSource{
		Address:   source,
		Input:     in.Clone(),
		Timestamp: ts,
		LastSeen:  a.clock.Now(),
	}
	if a.active == nil || a.active.Address != source {
		a.logger.Info("Active source changed", "source", source)
	}
	a.active = &rec
	a.newest = ts
	a.broadcastLocked(Event{Kind: Accepted, Source: copySource(rec)})

	a.delivery.Lock()
	a.mu.Unlock()
	defer a.delivery.Unlock()

	a.metrics.RecordArbiterOffer("accepted")
	a.apply(ctx, rec.Input)
	return true
}

// Latest returns a copy of the active record.
func (a *Arbiter) Latest() (ActiveSource, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return ActiveSource{}, false
	}
	return copySource(*a.active), true
}

// Release clears the record if source is active and resets outputs to a
// neutral input. It reports whether anything was cleared.
func (a *Arbiter) Release(ctx context.Context, source string) bool {
	return a.clear(ctx, Released, func(cur *ActiveSource) bool {
		return cur.Address == source
	})
}

// ExpireIdle clears the record if it has not been refreshed for maxIdle.
func (a *Arbiter) ExpireIdle(ctx context.Context, now time.Time, maxIdle time.Duration) bool {
	return a.clear(ctx, Expired, func(cur *ActiveSource) bool {
		return now.Sub(cur.LastSeen) >= maxIdle
	})
}

// RunExpiry calls ExpireIdle every interval until ctx is done.
func (a *Arbiter) RunExpiry(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.ExpireIdle(ctx, a.clock.Now(), maxIdle)
		}
	}
}

func (a *Arbiter) clear(ctx context.Context, kind EventKind, match func(*ActiveSource) bool) bool {
	a.mu.Lock()
	if a.active == nil || !match(a.active) {
		a.mu.Unlock()
		return false
	}

	departed := *a.active
	a.active = nil
	neutral := message.Neutral()
	a.broadcastLocked(Event{Kind: kind, Source: ActiveSource{
		Address:   departed.Address,
		Input:     neutral,
		Timestamp: departed.Timestamp,
		LastSeen:  departed.LastSeen,
	}})

	a.delivery.Lock()
	a.mu.Unlock()
	defer a.delivery.Unlock()

	a.logger.Info("Active source cleared", "source", departed.Address, "reason", kind.String())
	a.metrics.RecordArbiterOffer(kind.String())
	a.apply(ctx, neutral)
	return true
}

// Watch subscribes to active-source events. Events are dropped for a watcher
// whose buffer is full. cancel unsubscribes and closes the channel.
func (a *Arbiter) Watch(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.watchers[id] = ch
	a.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.watchers, id)
			a.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (a *Arbiter) broadcastLocked(ev Event) {
	for _, ch := range a.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (a *Arbiter) apply(ctx context.Context, in message.Input) {
	for _, out := range a.outputs {
		if err := out.ApplyInput(ctx, in); err != nil {
			name := outputName(out)
			a.metrics.RecordOutputError(name)
			a.logger.Warn("Output failed", "output", name, "error", err)
		}
	}
}

func outputName(out Output) string {
	if n, ok := out.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", out)
}

func copySource(s ActiveSource) ActiveSource {
	s.Input = s.Input.Clone()
	return s
}
