package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/padrelay/arbiter"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/metric"
)

type fixture struct {
	arb     *arbiter.Arbiter
	monitor *Monitor
	server  *httptest.Server
	url     string
}

func newFixture(t *testing.T, registry *metric.MetricsRegistry) *fixture {
	t.Helper()
	arb := arbiter.New(arbiter.Deps{})
	cfg := DefaultConfig()
	m, err := New(Deps{Config: cfg, Source: arb, MetricsRegistry: registry})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return &fixture{
		arb:     arb,
		monitor: m,
		server:  srv,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.Path,
	}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return f.monitor.Clients() > 0 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (Envelope, SourceView) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	var view SourceView
	if len(env.Payload) > 0 {
		require.NoError(t, json.Unmarshal(env.Payload, &view))
	}
	return env, view
}

func TestMonitor_SnapshotThenEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, f.arb.Offer(ctx, "10.0.0.1:5000", message.Input{Buttons: []uint{1}, Token: "tok"}, ts))

	conn := f.dial(t)

	env, view := readEnvelope(t, conn)
	assert.Equal(t, TypeSnapshot, env.Type)
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "10.0.0.1:5000", view.Address)
	assert.Equal(t, []uint{1}, view.Input.Buttons)
	assert.Empty(t, view.Input.Token)
	assert.Equal(t, "2024-06-01T12:00:00Z", view.Timestamp)

	require.True(t, f.arb.Offer(ctx, "10.0.0.2:6000", message.Input{Buttons: []uint{2}}, ts.Add(time.Second)))
	env, view = readEnvelope(t, conn)
	assert.Equal(t, TypeAccepted, env.Type)
	assert.Equal(t, "10.0.0.2:6000", view.Address)
	assert.Equal(t, []uint{2}, view.Input.Buttons)

	require.True(t, f.arb.Release(ctx, "10.0.0.2:6000"))
	env, view = readEnvelope(t, conn)
	assert.Equal(t, TypeReleased, env.Type)
	assert.Equal(t, "10.0.0.2:6000", view.Address)
	assert.Empty(t, view.Input.Buttons)
}

func TestMonitor_EmptySnapshot(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)

	env, view := readEnvelope(t, conn)
	assert.Equal(t, TypeSnapshot, env.Type)
	assert.Empty(t, env.Payload)
	assert.Empty(t, view.Address)
}

func TestMonitor_MultipleClientsAndDisconnect(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	f := newFixture(t, registry)

	a := f.dial(t)
	b, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.monitor.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	readEnvelope(t, a)
	readEnvelope(t, b)

	require.True(t, f.arb.Offer(context.Background(), "10.0.0.3:1", message.Neutral(), time.Now()))
	envA, _ := readEnvelope(t, a)
	envB, _ := readEnvelope(t, b)
	assert.Equal(t, TypeAccepted, envA.Type)
	assert.Equal(t, TypeAccepted, envB.Type)
	assert.Equal(t, envA.ID, envB.ID)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool { return f.monitor.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.monitor.metrics.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.monitor.metrics.clients))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.monitor.metrics.sent.WithLabelValues(TypeAccepted)))
}

func TestMonitor_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, nil)
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, f.monitor.Clients())
}

func TestMonitor_Serve(t *testing.T) {
	arb := arbiter.New(arbiter.Deps{})
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	m, err := New(Deps{Config: cfg, Source: arb})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	require.Eventually(t, func() bool { return m.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+m.Addr().String()+cfg.Path, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	// the shutdown close frame ends the client's reads
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestNew_Validation(t *testing.T) {
	arb := arbiter.New(arbiter.Deps{})
	tests := []struct {
		name string
		deps Deps
	}{
		{"missing source", Deps{Config: DefaultConfig()}},
		{"missing address", Deps{Config: Config{}, Source: arb}},
		{"negative buffer", Deps{Config: Config{Address: "x:1", ClientBuffer: -1}, Source: arb}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.deps)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}
