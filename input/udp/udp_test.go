package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/padrelay/arbiter"
	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/health"
	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/metric"
	"github.com/c360/padrelay/ratelimit"
)

const testSecret = "hunter2pass!"

type fixture struct {
	dispatcher *Dispatcher
	arbiter    *arbiter.Arbiter
	metrics    *metric.Metrics
	health     *health.Monitor
	clock      *clock.Mock
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	m := metric.NewMetrics()
	arb := arbiter.New(arbiter.Deps{Metrics: m, Clock: clk})
	mon := health.NewMonitor()
	deps := Deps{
		Config:     Config{Address: "127.0.0.1:0"},
		Credential: auth.Plaintext(testSecret),
		Arbiter:    arb,
		Metrics:    m,
		Health:     mon,
		Clock:      clk,
	}
	if mutate != nil {
		mutate(&deps)
	}
	d, err := New(deps)
	require.NoError(t, err)
	return &fixture{dispatcher: d, arbiter: arb, metrics: m, health: mon, clock: clk}
}

func signed(t *testing.T, key []byte, in message.Input, ts time.Time) []byte {
	t.Helper()
	m, err := auth.Sign(message.NewAt(in, ts), key)
	require.NoError(t, err)
	data, err := message.Encode(m)
	require.NoError(t, err)
	return data
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestDispatcher_TokenChecks(t *testing.T) {
	key := []byte(testSecret)
	in := message.NewInput([]uint{2}, []float64{0.25}, nil, message.Triggers{Right: 1})

	tests := []struct {
		name   string
		data   func(now time.Time) []byte
		accept bool
		reason string
	}{
		{
			name:   "fresh token",
			data:   func(now time.Time) []byte { return signed(t, key, in, now) },
			accept: true,
		},
		{
			name:   "token at edge of window",
			data:   func(now time.Time) []byte { return signed(t, key, in, now.Add(-60*time.Second)) },
			accept: true,
		},
		{
			name:   "replayed 61s later",
			data:   func(now time.Time) []byte { return signed(t, key, in, now.Add(-61*time.Second)) },
			reason: "auth",
		},
		{
			name:   "from the future",
			data:   func(now time.Time) []byte { return signed(t, key, in, now.Add(61*time.Second)) },
			reason: "auth",
		},
		{
			name:   "wrong key",
			data:   func(now time.Time) []byte { return signed(t, []byte("other-secret"), in, now) },
			reason: "auth",
		},
		{
			name: "missing token",
			data: func(now time.Time) []byte {
				data, err := message.Encode(message.NewAt(in, now))
				require.NoError(t, err)
				return data
			},
			reason: "auth",
		},
		{
			name: "tampered payload",
			data: func(now time.Time) []byte {
				m, err := auth.Sign(message.NewAt(in, now), key)
				require.NoError(t, err)
				p := m.Payload.(message.Input)
				p.Buttons = []uint{2, 3}
				m.Payload = p
				data, err := message.Encode(m)
				require.NoError(t, err)
				return data
			},
			reason: "auth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.dispatcher.handle(context.Background(), nil, tt.data(f.clock.Now()), addr(4000))

			active, ok := f.arbiter.Latest()
			assert.Equal(t, tt.accept, ok)
			if tt.accept {
				assert.Equal(t, in, active.Input)
				assert.Equal(t, "127.0.0.1:4000", active.Address)
				return
			}
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues("udp", tt.reason)))
		})
	}
}

func TestDispatcher_TokenReplayAfterWindow(t *testing.T) {
	f := newFixture(t, nil)
	ts := f.clock.Now()
	data := signed(t, []byte(testSecret), message.NewInput([]uint{1}, nil, nil, message.Triggers{}), ts)

	f.dispatcher.handle(context.Background(), nil, data, addr(4000))
	_, _, dropped := f.dispatcher.Stats()
	assert.Zero(t, dropped)

	f.clock.Add(61 * time.Second)
	f.dispatcher.handle(context.Background(), nil, data, addr(4000))
	_, accepted, dropped := f.dispatcher.Stats()
	assert.EqualValues(t, 1, accepted)
	assert.EqualValues(t, 1, dropped)
}

func TestDispatcher_RateLimitScenario(t *testing.T) {
	var limiter *ratelimit.Limiter
	f := newFixture(t, func(d *Deps) {
		var err error
		limiter, err = ratelimit.New(ratelimit.Config{Window: 60 * time.Second, MaxRequests: 100, BlockDuration: 2 * time.Second})
		require.NoError(t, err)
		d.Limiter = limiter
	})
	key := []byte(testSecret)
	ctx := context.Background()
	start := f.clock.Now()

	send := func() {
		in := message.NewInput([]uint{0}, nil, nil, message.Triggers{})
		f.dispatcher.handle(ctx, nil, signed(t, key, in, f.clock.Now()), addr(5000))
	}

	for i := 0; i < 150; i++ {
		send()
		f.clock.Add(10 * time.Millisecond)
	}
	received, accepted, dropped := f.dispatcher.Stats()
	assert.EqualValues(t, 150, received)
	assert.EqualValues(t, 100, accepted)
	assert.EqualValues(t, 50, dropped)
	assert.Equal(t, 50.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues("udp", "rate_limited")))

	// The 101st datagram arrived at start+1s and blocked the sender for 2s.
	f.clock.Set(start.Add(2900 * time.Millisecond))
	send()
	_, accepted, _ = f.dispatcher.Stats()
	assert.EqualValues(t, 100, accepted, "still blocked")

	f.clock.Set(start.Add(3 * time.Second))
	send()
	_, accepted, _ = f.dispatcher.Stats()
	assert.EqualValues(t, 101, accepted, "block expired")
}

func TestDispatcher_NewestWins(t *testing.T) {
	f := newFixture(t, nil)
	key := []byte(testSecret)
	ctx := context.Background()
	now := f.clock.Now()

	a := message.NewInput([]uint{1}, nil, nil, message.Triggers{})
	b := message.NewInput([]uint{2}, nil, nil, message.Triggers{})

	f.dispatcher.handle(ctx, nil, signed(t, key, b, now), addr(6001))
	f.dispatcher.handle(ctx, nil, signed(t, key, a, now.Add(-time.Second)), addr(6002))

	active, ok := f.arbiter.Latest()
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:6001", active.Address)
	assert.Equal(t, b, active.Input)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues("udp", "stale")))
}

func TestDispatcher_DropsWithoutReply(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		reason string
	}{
		{name: "malformed", data: []byte("garbage"), reason: "malformed"},
		{name: "version mismatch", data: []byte(`{"type":"input","protocol_version":"0.9","timestamp":"2024-06-01T12:00:00Z"}`), reason: "malformed"},
		{name: "unknown type", data: []byte(`{"type":"rumble","protocol_version":"1.0","timestamp":"2024-06-01T12:00:00Z"}`), reason: "unknown_type"},
		{name: "unexpected type", data: []byte(`{"type":"heartbeat_ack","protocol_version":"1.0","timestamp":"2024-06-01T12:00:00Z"}`), reason: "unexpected_type"},
		{name: "unsigned heartbeat", data: []byte(`{"type":"heartbeat","protocol_version":"1.0","timestamp":"2024-06-01T12:00:00Z"}`), reason: "auth"},
		{name: "oversize", data: make([]byte, message.MaxDatagramSize+1), reason: "oversize"},
		{name: "invalid input", reason: "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			data := tt.data
			if data == nil {
				bad := message.NewInput(nil, []float64{0}, []message.Hat{{0, -2}}, message.Triggers{})
				data = signed(t, []byte(testSecret), bad, f.clock.Now())
			}
			f.dispatcher.handle(context.Background(), nil, data, addr(7000))

			_, ok := f.arbiter.Latest()
			assert.False(t, ok)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues("udp", tt.reason)))
		})
	}
}

func startDispatcher(t *testing.T, f *fixture) *net.UDPConn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.dispatcher.Start(ctx))
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, f.dispatcher.Stop(2*time.Second))
	})

	conn, err := net.DialUDP("udp", nil, f.dispatcher.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDispatcher_AuthParams(t *testing.T) {
	rec, err := auth.Hash(testSecret, 1000)
	require.NoError(t, err)

	t.Run("hashed credential answers idempotently", func(t *testing.T) {
		f := newFixture(t, func(d *Deps) { d.Credential = auth.Hashed(rec) })
		conn := startDispatcher(t, f)

		request, err := message.Encode(message.New(message.AuthParamsRequest{}))
		require.NoError(t, err)

		var replies [][]byte
		for i := 0; i < 2; i++ {
			_, err := conn.Write(request)
			require.NoError(t, err)

			buf := make([]byte, message.MaxDatagramSize)
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := conn.Read(buf)
			require.NoError(t, err)
			replies = append(replies, buf[:n])
		}
		assert.Equal(t, replies[0], replies[1])

		m, err := message.Decode(replies[0])
		require.NoError(t, err)
		params, ok := m.Payload.(message.AuthParams)
		require.True(t, ok)
		assert.Equal(t, rec.Iterations, params.Iterations)
		assert.Equal(t, rec.Salt, []byte(params.Salt))

		// A client deriving its key from the reply is accepted.
		key, err := auth.ClientKey(auth.Plaintext(testSecret), &params)
		require.NoError(t, err)
		f.dispatcher.handle(context.Background(), nil,
			signed(t, key, message.NewInput([]uint{4}, nil, nil, message.Triggers{}), f.clock.Now()), addr(8000))
		_, active := f.arbiter.Latest()
		assert.True(t, active)
	})

	t.Run("plaintext credential stays silent", func(t *testing.T) {
		f := newFixture(t, nil)
		conn := startDispatcher(t, f)

		request, err := message.Encode(message.New(message.AuthParamsRequest{}))
		require.NoError(t, err)
		_, err = conn.Write(request)
		require.NoError(t, err)

		_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, err = conn.Read(make([]byte, 1024))
		var ne net.Error
		require.ErrorAs(t, err, &ne)
		assert.True(t, ne.Timeout())
	})
}

func TestDispatcher_OverSocket(t *testing.T) {
	f := newFixture(t, nil)
	conn := startDispatcher(t, f)

	in := message.NewInput([]uint{0, 1}, []float64{0, -0.5, 0.8, 0}, nil, message.Triggers{Right: 0.7})
	_, err := conn.Write(signed(t, []byte(testSecret), in, f.clock.Now()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := f.arbiter.Latest()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	active, _ := f.arbiter.Latest()
	assert.Equal(t, in, active.Input)
	assert.Equal(t, conn.LocalAddr().String(), active.Address)
}

func TestDispatcher_HeartbeatAck(t *testing.T) {
	heartbeat := func(t *testing.T, key []byte, ts time.Time) []byte {
		m, err := auth.Sign(message.NewAt(message.Heartbeat{}, ts), key)
		require.NoError(t, err)
		data, err := message.Encode(m)
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name   string
		data   func(now time.Time) []byte
		acked  bool
		reason string
	}{
		{
			name:  "signed heartbeat",
			data:  func(now time.Time) []byte { return heartbeat(t, []byte(testSecret), now) },
			acked: true,
		},
		{
			name:   "wrong key",
			data:   func(now time.Time) []byte { return heartbeat(t, []byte("other-secret"), now) },
			reason: "auth",
		},
		{
			name:   "stale",
			data:   func(now time.Time) []byte { return heartbeat(t, []byte(testSecret), now.Add(-61*time.Second)) },
			reason: "auth",
		},
		{
			name: "no token",
			data: func(now time.Time) []byte {
				data, err := message.Encode(message.NewAt(message.Heartbeat{}, now))
				require.NoError(t, err)
				return data
			},
			reason: "auth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			conn := startDispatcher(t, f)

			_, err := conn.Write(tt.data(f.clock.Now()))
			require.NoError(t, err)

			buf := make([]byte, message.MaxDatagramSize)
			if tt.acked {
				_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				n, err := conn.Read(buf)
				require.NoError(t, err)
				m, err := message.Decode(buf[:n])
				require.NoError(t, err)
				assert.Equal(t, message.TypeHeartbeatAck, m.Type)
				assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AuthAttempts.WithLabelValues("udp", "success")))
			} else {
				_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
				_, err = conn.Read(buf)
				var ne net.Error
				require.ErrorAs(t, err, &ne)
				assert.True(t, ne.Timeout())
				assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues("udp", tt.reason)))
			}

			// heartbeats never touch the active source
			_, ok := f.arbiter.Latest()
			assert.False(t, ok)
		})
	}
}

func TestDispatcher_Lifecycle(t *testing.T) {
	f := newFixture(t, nil)
	assert.Nil(t, f.dispatcher.Addr())
	assert.False(t, f.dispatcher.Health().IsHealthy())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Serve(ctx) }()

	require.Eventually(t, func() bool { return f.dispatcher.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.dispatcher.Health().IsHealthy())
	status, ok := f.health.Get(HealthName)
	require.True(t, ok)
	assert.True(t, status.IsHealthy())

	// Start on a running dispatcher is a no-op.
	assert.NoError(t, f.dispatcher.Start(ctx))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Nil(t, f.dispatcher.Addr())
	status, _ = f.health.Get(HealthName)
	assert.False(t, status.IsHealthy())
	assert.NoError(t, f.dispatcher.Stop(time.Second))
}

func TestNew_Validation(t *testing.T) {
	arb := arbiter.New(arbiter.Deps{})
	cred := auth.Plaintext(testSecret)
	tests := []struct {
		name string
		deps Deps
	}{
		{name: "missing credential", deps: Deps{Arbiter: arb}},
		{name: "missing arbiter", deps: Deps{Credential: cred}},
		{name: "bad address", deps: Deps{Credential: cred, Arbiter: arb, Config: Config{Address: "127.0.0.1"}}},
		{name: "negative window", deps: Deps{Credential: cred, Arbiter: arb, Config: Config{TokenWindow: -time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.deps)
			assert.Error(t, err)
		})
	}
}
