package client

import (
	"context"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/padrelay/arbiter"
	"github.com/c360/padrelay/auth"
	"github.com/c360/padrelay/errors"
	"github.com/c360/padrelay/input/tcp"
	"github.com/c360/padrelay/input/udp"
	"github.com/c360/padrelay/message"
)

const testSecret = "hunter2pass!"

var testInput = message.NewInput([]uint{0, 1}, []float64{0, -0.5, 0.8, 0}, nil, message.Triggers{Right: 0.7})

func constant(in message.Input) Source {
	return SourceFunc(func(context.Context) (message.Input, error) { return in, nil })
}

func startTCP(t *testing.T, cred auth.Credential, mutate func(*tcp.Deps)) (*tcp.Listener, *arbiter.Arbiter) {
	t.Helper()
	arb := arbiter.New(arbiter.Deps{})
	deps := tcp.Deps{
		Config:     tcp.Config{Address: "127.0.0.1:0"},
		Credential: cred,
		Iterations: 1000,
		Arbiter:    arb,
	}
	if mutate != nil {
		mutate(&deps)
	}
	l, err := tcp.New(deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Listen(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l, arb
}

func startUDP(t *testing.T, cred auth.Credential) (*udp.Dispatcher, *arbiter.Arbiter) {
	t.Helper()
	arb := arbiter.New(arbiter.Deps{})
	d, err := udp.New(udp.Deps{
		Config:     udp.Config{Address: "127.0.0.1:0"},
		Credential: cred,
		Arbiter:    arb,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = d.Stop(2 * time.Second)
	})
	return d, arb
}

func testConfig(protocol, addr string, cred auth.Credential) Config {
	cfg := DefaultConfig()
	cfg.Protocol = protocol
	cfg.Address = addr
	cfg.Credential = cred
	cfg.UpdateRate = 100
	cfg.AuthTimeout = 2 * time.Second
	return cfg
}

func TestDialTCP(t *testing.T) {
	rec, err := auth.Hash(testSecret, 1000)
	require.NoError(t, err)
	otherRec, err := auth.Hash(testSecret, 2000)
	require.NoError(t, err)

	tests := []struct {
		name    string
		server  auth.Credential
		client  auth.Credential
		wantErr error
	}{
		{name: "plaintext both sides", server: auth.Plaintext(testSecret), client: auth.Plaintext(testSecret)},
		{name: "hashed server, plaintext client", server: auth.Hashed(rec), client: auth.Plaintext(testSecret)},
		{name: "hashed both sides", server: auth.Hashed(rec), client: auth.Hashed(rec)},
		{name: "wrong secret", server: auth.Hashed(rec), client: auth.Plaintext("wrong"), wantErr: errors.ErrAuth},
		{name: "hash with other parameters", server: auth.Hashed(rec), client: auth.Hashed(otherRec), wantErr: auth.ErrParamsMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := startTCP(t, tt.server, nil)
			c, err := DialTCP(context.Background(), testConfig(ProtocolTCP, l.Addr().String(), tt.client), nil)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			defer c.Close()
			assert.NoError(t, c.Heartbeat(context.Background()))
		})
	}
}

func TestDialTCP_ServerBusy(t *testing.T) {
	l, _ := startTCP(t, auth.Plaintext(testSecret), nil)
	cfg := testConfig(ProtocolTCP, l.Addr().String(), auth.Plaintext(testSecret))

	first, err := DialTCP(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = DialTCP(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Contains(t, err.Error(), tcp.BusyMessage)
}

func TestDialTCP_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = DialTCP(context.Background(), testConfig(ProtocolTCP, addr, auth.Plaintext(testSecret)), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.True(t, errors.IsTransient(err))
}

func TestTCPClient_StreamKeepsSessionAlive(t *testing.T) {
	l, arb := startTCP(t, auth.Plaintext(testSecret), func(d *tcp.Deps) {
		d.Config.HeartbeatTimeout = 300 * time.Millisecond
	})
	cfg := testConfig(ProtocolTCP, l.Addr().String(), auth.Plaintext(testSecret))
	cfg.HeartbeatInterval = 50 * time.Millisecond

	c, err := DialTCP(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 800*time.Millisecond)
	defer cancel()
	err = c.Stream(ctx, constant(testInput))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Len(t, l.Sessions(), 1)
	active, ok := arb.Latest()
	require.True(t, ok)
	assert.Equal(t, testInput, active.Input)
}

func TestUDPClient_ParamsNegotiation(t *testing.T) {
	rec, err := auth.Hash(testSecret, 1000)
	require.NoError(t, err)

	tests := []struct {
		name       string
		server     auth.Credential
		client     auth.Credential
		wantParams bool
	}{
		{name: "plaintext server stays silent", server: auth.Plaintext(testSecret), client: auth.Plaintext(testSecret)},
		{name: "hashed server hands out params", server: auth.Hashed(rec), client: auth.Plaintext(testSecret), wantParams: true},
		{name: "hashed client skips the request", server: auth.Hashed(rec), client: auth.Hashed(rec)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, arb := startUDP(t, tt.server)
			c, err := DialUDP(context.Background(), testConfig(ProtocolUDP, d.Addr().String(), tt.client), nil)
			require.NoError(t, err)
			defer c.Close()

			_, got := c.Params()
			assert.Equal(t, tt.wantParams, got)

			require.NoError(t, c.SendInput(testInput))
			require.Eventually(t, func() bool {
				_, ok := arb.Latest()
				return ok
			}, 2*time.Second, 10*time.Millisecond)
			active, _ := arb.Latest()
			assert.Equal(t, testInput, active.Input)
		})
	}
}

func TestUDPClient_StreamKeepsAliveOnAcks(t *testing.T) {
	d, arb := startUDP(t, auth.Plaintext(testSecret))
	cfg := testConfig(ProtocolUDP, d.Addr().String(), auth.Plaintext(testSecret))
	cfg.ParamsWait = 100 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 300 * time.Millisecond

	c, err := DialUDP(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	// runs well past HeartbeatTimeout, so only acks keep it alive
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = c.Stream(ctx, constant(testInput))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, errors.ErrConnectionTimeout)

	_, ok := arb.Latest()
	assert.True(t, ok)
}

func TestUDPClient_StreamFailsWithoutAck(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	heartbeats := make(chan message.Message, 16)
	go func() {
		buf := make([]byte, message.MaxDatagramSize)
		for {
			n, _, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			m, err := message.Decode(buf[:n])
			if err == nil && m.Type == message.TypeHeartbeat {
				select {
				case heartbeats <- m:
				default:
				}
			}
		}
	}()

	cfg := testConfig(ProtocolUDP, pc.LocalAddr().String(), auth.Plaintext(testSecret))
	cfg.ParamsWait = 50 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 200 * time.Millisecond

	c, err := DialUDP(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.Stream(ctx, constant(testInput))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
	assert.True(t, errors.IsTransient(err))
	require.NoError(t, ctx.Err(), "stream should fail on the missing ack, not the context")

	select {
	case m := <-heartbeats:
		verifier := auth.NewTokenAuthenticator(auth.Plaintext(testSecret))
		assert.NoError(t, verifier.Verify(m, time.Now()))
	default:
		t.Fatal("no heartbeat was sent")
	}
}

func TestDriver_Run(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
	}{
		{name: "tcp", protocol: ProtocolTCP},
		{name: "udp", protocol: ProtocolUDP},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				addr string
				arb  *arbiter.Arbiter
			)
			if tt.protocol == ProtocolTCP {
				var l *tcp.Listener
				l, arb = startTCP(t, auth.Plaintext(testSecret), nil)
				addr = l.Addr().String()
			} else {
				var d *udp.Dispatcher
				d, arb = startUDP(t, auth.Plaintext(testSecret))
				addr = d.Addr().String()
			}

			var connects atomic.Int32
			drv := &Driver{
				Config:    testConfig(tt.protocol, addr, auth.Plaintext(testSecret)),
				Source:    constant(testInput),
				OnConnect: func(int) { connects.Add(1) },
			}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- drv.Run(ctx) }()

			require.Eventually(t, func() bool {
				active, ok := arb.Latest()
				return ok && assert.ObjectsAreEqual(testInput, active.Input)
			}, 3*time.Second, 10*time.Millisecond)

			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Fatal("driver did not stop")
			}
			assert.EqualValues(t, 1, connects.Load())
		})
	}
}

func TestDriver_ReconnectsAfterFixedDelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var attempts atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			attempts.Add(1)
			_ = conn.Close()
		}
	}()

	clk := clock.NewMock()
	drv := &Driver{
		Config: testConfig(ProtocolTCP, ln.Addr().String(), auth.Plaintext(testSecret)),
		Source: constant(testInput),
		Clock:  clk,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- drv.Run(ctx) }()

	require.Eventually(t, func() bool { return attempts.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	// let the failed attempt return and arm the reconnect timer
	time.Sleep(100 * time.Millisecond)

	// Nothing happens until the full delay has passed.
	clk.Add(message.ReconnectDelay - time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, attempts.Load())

	require.Eventually(t, func() bool {
		clk.Add(time.Millisecond)
		return attempts.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not stop")
	}
}

func TestDriver_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		drv  Driver
	}{
		{name: "bad protocol", drv: Driver{Config: Config{Protocol: "sctp", Address: "h:1", Credential: auth.Plaintext("x")}, Source: constant(testInput)}},
		{name: "no address", drv: Driver{Config: Config{Credential: auth.Plaintext("x")}, Source: constant(testInput)}},
		{name: "no credential", drv: Driver{Config: Config{Address: "h:1"}, Source: constant(testInput)}},
		{name: "no source", drv: Driver{Config: Config{Address: "h:1", Credential: auth.Plaintext("x")}}},
		{name: "rate too high", drv: Driver{Config: Config{Address: "h:1", Credential: auth.Plaintext("x"), UpdateRate: 5000}, Source: constant(testInput)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.drv.Run(context.Background())
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestJSONLinesSource(t *testing.T) {
	src := NewJSONLinesSource(strings.NewReader(strings.Join([]string{
		`{"buttons":[3,1,3],"axes":[0.5],"hats":[[1,0]],"triggers":{"left":0.2,"right":0}}`,
		``,
		`not json`,
		`{"buttons":[2],"axes":[],"hats":[],"triggers":{"left":0,"right":1},"token":"abc"}`,
	}, "\n")), nil)

	select {
	case <-src.Done():
	case <-time.After(time.Second):
		t.Fatal("source did not finish")
	}

	assert.Equal(t, 2, src.Lines())
	got, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, message.NewInput([]uint{2}, []float64{}, []message.Hat{}, message.Triggers{Right: 1}), got)
	assert.Empty(t, got.Token)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestJSONLinesSource_ReadError(t *testing.T) {
	src := NewJSONLinesSource(failingReader{}, nil)
	<-src.Done()
	_, err := src.Poll(context.Background())
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestJSONLinesSource_NeutralBeforeInput(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	src := NewJSONLinesSource(r, nil)

	got, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, message.Neutral(), got)
}
