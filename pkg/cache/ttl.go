package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/padrelay/errors"
)

type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// ttlCache evicts entries once their TTL has passed.
type ttlCache[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   clock.Clock
	items   map[string]*ttlEntry[V]
	stats   *Statistics
	metrics *cacheMetrics // nil when metrics are disabled
	evictFn EvictCallback[V]

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newTTLCache[V any](
	ctx context.Context, ttl, cleanupInterval time.Duration, opts *cacheOptions[V],
) (*ttlCache[V], error) {
	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "newTTLCache", "metrics registration")
		}
	}

	c := &ttlCache[V]{
		ttl:      ttl,
		clock:    opts.clock,
		items:    make(map[string]*ttlEntry[V]),
		stats:    NewStatistics(),
		metrics:  metrics,
		evictFn:  opts.evictCallback,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	ticker := c.clock.Ticker(cleanupInterval)
	go c.cleanup(ctx, ticker)

	return c, nil
}

// Get retrieves a value by key, evicting it if expired.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if exists && now.Before(entry.expiresAt) {
		c.stats.hit()
		c.metrics.recordHit()
		return entry.value, true
	}

	if exists {
		c.mu.Lock()
		// recheck under the write lock, Set may have refreshed it
		if current, ok := c.items[key]; ok && !now.Before(current.expiresAt) {
			delete(c.items, key)
			c.afterEvictLocked(1)
			if c.evictFn != nil {
				defer c.evictFn(key, current.value)
			}
		}
		c.mu.Unlock()
	}

	c.stats.miss()
	c.metrics.recordMiss()
	var zero V
	return zero, false
}

// Set stores a value with the given key and sets its expiration time.
func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = &ttlEntry[V]{
		key:       key,
		value:     value,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.set()
	c.stats.updateSize(int64(size))
	c.metrics.updateSize(size)

	return !exists, nil
}

// Delete removes an entry by key.
func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, exists := c.items[key]
	delete(c.items, key)
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.stats.delete()
		c.stats.updateSize(int64(size))
		c.metrics.updateSize(size)
	}
	return exists, nil
}

// Clear removes all entries without calling the eviction callback.
func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	c.stats.updateSize(0)
	c.metrics.updateSize(0)
	return nil
}

func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache[V]) Keys() []string {
	now := c.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if now.Before(entry.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background cleanup goroutine and waits for it.
func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "cache", "Close", "wait for cleanup goroutine")
	}
}

func (c *ttlCache[V]) cleanup(ctx context.Context, ticker *clock.Ticker) {
	defer close(c.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *ttlCache[V]) removeExpired() {
	now := c.clock.Now()
	var expired []*ttlEntry[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if !now.Before(entry.expiresAt) {
			expired = append(expired, entry)
			delete(c.items, key)
		}
	}
	if len(expired) > 0 {
		c.afterEvictLocked(len(expired))
	}
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, entry := range expired {
			c.evictFn(entry.key, entry.value)
		}
	}
}

// afterEvictLocked updates counters after n entries were removed; c.mu must be held.
func (c *ttlCache[V]) afterEvictLocked(n int) {
	for i := 0; i < n; i++ {
		c.stats.eviction()
	}
	c.stats.updateSize(int64(len(c.items)))
	c.metrics.recordEvictions(n)
	c.metrics.updateSize(len(c.items))
}
