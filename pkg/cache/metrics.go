package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/padrelay/metric"
)

// cacheMetrics holds Prometheus metrics for cache operations.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &cacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "padrelay",
			Subsystem:   "cache",
			Name:        "hits_total",
			ConstLabels: labels,
			Help:        "Total number of cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "padrelay",
			Subsystem:   "cache",
			Name:        "misses_total",
			ConstLabels: labels,
			Help:        "Total number of cache misses",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "padrelay",
			Subsystem:   "cache",
			Name:        "evictions_total",
			ConstLabels: labels,
			Help:        "Total number of expired entries removed",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "padrelay",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of entries in cache",
		}),
	}

	if err := registry.RegisterCounter(prefix, "cache_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordEvictions(n int) {
	if m != nil {
		m.evictions.Add(float64(n))
	}
}

func (m *cacheMetrics) updateSize(size int) {
	if m != nil {
		m.size.Set(float64(size))
	}
}
