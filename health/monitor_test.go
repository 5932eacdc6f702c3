package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()
	assert.Zero(t, m.Count())

	m.Update("tcp-listener", Status{Status: "healthy", Message: "listening"})

	got, ok := m.Get("tcp-listener")
	require.True(t, ok)
	assert.Equal(t, "tcp-listener", got.Component)
	assert.False(t, got.Timestamp.IsZero())

	m.Remove("tcp-listener")
	_, ok = m.Get("tcp-listener")
	assert.False(t, ok)
}

func TestMonitor_UnhealthyMessagesAreRedacted(t *testing.T) {
	m := NewMonitor()
	m.UpdateUnhealthy("udp-dispatcher", "bind 10.0.0.1:9999 failed")

	got, ok := m.Get("udp-dispatcher")
	require.True(t, ok)
	assert.Equal(t, "bind [IP][PORT] failed", got.Message)
}

func TestMonitor_Aggregate(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(m *Monitor)
		expect string
	}{
		{"empty", func(*Monitor) {}, "healthy"},
		{"all healthy", func(m *Monitor) {
			m.UpdateHealthy("a", "ok")
			m.UpdateHealthy("b", "ok")
		}, "healthy"},
		{"one degraded", func(m *Monitor) {
			m.UpdateHealthy("a", "ok")
			m.UpdateDegraded("tls", "certificate expires in 10 days")
		}, "degraded"},
		{"unhealthy wins", func(m *Monitor) {
			m.UpdateDegraded("tls", "expiring")
			m.UpdateUnhealthy("tcp-listener", "closed")
		}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			tt.setup(m)
			assert.Equal(t, tt.expect, m.AggregateHealth("padrelay").Status)
		})
	}
}

func TestMonitor_AggregateSortsComponents(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("udp-dispatcher", "ok")
	m.UpdateHealthy("tcp-listener", "ok")

	agg := m.AggregateHealth("padrelay")
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "tcp-listener", agg.SubStatuses[0].Component)
}

func TestMonitor_Observer(t *testing.T) {
	m := NewMonitor()
	seen := map[string]bool{}
	m.Observe(func(name string, healthy bool) { seen[name] = healthy })

	m.UpdateHealthy("a", "ok")
	m.UpdateUnhealthy("b", "down")

	assert.Equal(t, map[string]bool{"a": true, "b": false}, seen)
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("tcp-listener", "ok")

	rec := httptest.NewRecorder()
	m.Handler("padrelay").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "padrelay", status.Component)

	m.UpdateUnhealthy("tcp-listener", "closed")
	rec = httptest.NewRecorder()
	m.Handler("padrelay").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMonitor_ConcurrentAccess(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.UpdateHealthy("a", "ok")
			} else {
				_ = m.AggregateHealth("padrelay")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, m.Count())
}
