package arbiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/padrelay/message"
	"github.com/c360/padrelay/metric"
)

type recordingOutput struct {
	mu     sync.Mutex
	inputs []message.Input
	err    error
}

func (o *recordingOutput) ApplyInput(_ context.Context, in message.Input) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inputs = append(o.inputs, in)
	return o.err
}

func (o *recordingOutput) Name() string { return "recorder" }

func (o *recordingOutput) received() []message.Input {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]message.Input(nil), o.inputs...)
}

type offer struct {
	source string
	in     message.Input
	ts     time.Time
	want   bool
}

var t1 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func input(buttons ...uint) message.Input {
	return message.NewInput(buttons, []float64{0, 0}, nil, message.Triggers{})
}

func TestOffer_NewestWins(t *testing.T) {
	a := input(1)
	b := input(2)
	t2 := t1.Add(10 * time.Millisecond)

	tests := []struct {
		name       string
		order      []offer
		wantSource string
	}{
		{
			name: "older then newer",
			order: []offer{
				{"A", a, t1, true},
				{"B", b, t2, true},
			},
			wantSource: "B",
		},
		{
			name: "newer then older",
			order: []offer{
				{"B", b, t2, true},
				{"A", a, t1, false},
			},
			wantSource: "B",
		},
		{
			name: "equal timestamp does not overwrite",
			order: []offer{
				{"A", a, t1, true},
				{"B", b, t1, false},
			},
			wantSource: "A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &recordingOutput{}
			arb := New(Deps{}, out)

			for _, o := range tt.order {
				assert.Equal(t, o.want, arb.Offer(context.Background(), o.source, o.in, o.ts), o.source)
			}

			got, ok := arb.Latest()
			require.True(t, ok)
			assert.Equal(t, tt.wantSource, got.Address)
			assert.Equal(t, got.Input, out.received()[len(out.received())-1])
		})
	}
}

func TestOffer_SameSourceOutOfOrder(t *testing.T) {
	arb := New(Deps{})
	ctx := context.Background()

	assert.True(t, arb.Offer(ctx, "A", input(1), t1.Add(time.Second)))
	assert.False(t, arb.Offer(ctx, "A", input(2), t1))

	got, _ := arb.Latest()
	assert.Equal(t, []uint{1}, got.Input.Buttons)
}

func TestLatest_ReturnsCopy(t *testing.T) {
	arb := New(Deps{})
	_, ok := arb.Latest()
	assert.False(t, ok)

	in := input(1, 2)
	arb.Offer(context.Background(), "A", in, t1)
	in.Buttons[0] = 9

	got, _ := arb.Latest()
	assert.Equal(t, []uint{1, 2}, got.Input.Buttons)
	got.Input.Buttons[0] = 7

	again, _ := arb.Latest()
	assert.Equal(t, []uint{1, 2}, again.Input.Buttons)
}

func TestRelease(t *testing.T) {
	out := &recordingOutput{}
	arb := New(Deps{}, out)
	ctx := context.Background()

	arb.Offer(ctx, "A", input(1), t1)

	assert.False(t, arb.Release(ctx, "B"), "only the active source can release")
	_, ok := arb.Latest()
	assert.True(t, ok)

	assert.True(t, arb.Release(ctx, "A"))
	_, ok = arb.Latest()
	assert.False(t, ok)
	assert.False(t, arb.Release(ctx, "A"))

	got := out.received()
	require.Len(t, got, 2)
	assert.Equal(t, message.Neutral(), got[1])

	// the cleared record's timestamp still bounds what is accepted
	assert.False(t, arb.Offer(ctx, "B", input(3), t1.Add(-time.Hour)))
	assert.True(t, arb.Offer(ctx, "B", input(3), t1.Add(time.Millisecond)))
}

func TestOffer_NoReplayAfterClear(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(t1)
	registry := metric.NewMetricsRegistry()
	m := registry.CoreMetrics()
	out := &recordingOutput{}
	arb := New(Deps{Clock: clk, Metrics: m}, out)
	ctx := context.Background()

	clears := []struct {
		name  string
		clear func(ts time.Time) bool
	}{
		{name: "release", clear: func(time.Time) bool { return arb.Release(ctx, "A") }},
		{name: "expire", clear: func(ts time.Time) bool { return arb.ExpireIdle(ctx, ts.Add(time.Minute), time.Second) }},
	}

	ts := t1
	for _, tt := range clears {
		t.Run(tt.name, func(t *testing.T) {
			ts = ts.Add(time.Second)
			require.True(t, arb.Offer(ctx, "A", input(1), ts))
			require.True(t, tt.clear(ts))

			// a captured copy of the last accepted input must not reactivate
			assert.False(t, arb.Offer(ctx, "A", input(1), ts))
			assert.False(t, arb.Offer(ctx, "B", input(1), ts.Add(-time.Millisecond)))
			_, ok := arb.Latest()
			assert.False(t, ok)

			ts = ts.Add(time.Millisecond)
			assert.True(t, arb.Offer(ctx, "B", input(2), ts))
			require.True(t, arb.Release(ctx, "B"))
		})
	}
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ArbiterUpdates.WithLabelValues("stale")))
}

func TestExpireIdle(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(t1)
	out := &recordingOutput{}
	arb := New(Deps{Clock: clk}, out)
	ctx := context.Background()

	arb.Offer(ctx, "udp:10.0.0.2:5000", input(1), t1)

	assert.False(t, arb.ExpireIdle(ctx, t1.Add(2*time.Second), 3*time.Second))
	assert.True(t, arb.ExpireIdle(ctx, t1.Add(3*time.Second), 3*time.Second))
	assert.False(t, arb.ExpireIdle(ctx, t1.Add(10*time.Second), 3*time.Second))

	got := out.received()
	require.Len(t, got, 2)
	assert.Equal(t, message.Neutral(), got[1])
}

func TestRunExpiry(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(t1)
	arb := New(Deps{Clock: clk})
	events, cancelWatch := arb.Watch(4)
	defer cancelWatch()

	arb.Offer(context.Background(), "A", input(1), t1)
	ev := <-events
	assert.Equal(t, Accepted, ev.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		arb.RunExpiry(ctx, time.Second, 5*time.Second)
	}()

	// let RunExpiry create its ticker
	time.Sleep(10 * time.Millisecond)
	clk.Add(6 * time.Second)

	select {
	case ev := <-events:
		assert.Equal(t, Expired, ev.Kind)
		assert.Equal(t, "A", ev.Source.Address)
		assert.Equal(t, message.Neutral(), ev.Source.Input)
	case <-time.After(2 * time.Second):
		t.Fatal("no expiry event")
	}

	cancel()
	<-done
}

func TestWatch(t *testing.T) {
	arb := New(Deps{})
	ctx := context.Background()

	events, cancel := arb.Watch(1)

	arb.Offer(ctx, "A", input(1), t1)
	arb.Offer(ctx, "A", input(2), t1.Add(time.Millisecond)) // dropped, buffer full

	ev := <-events
	assert.Equal(t, Accepted, ev.Kind)
	assert.Equal(t, []uint{1}, ev.Source.Input.Buttons)

	arb.Release(ctx, "A")
	ev = <-events
	assert.Equal(t, Released, ev.Kind)

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)

	// offers after cancel must not panic on the closed channel
	arb.Offer(ctx, "A", input(3), t1.Add(time.Second))
}

func TestOutputFailureIsNotFatal(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m := registry.CoreMetrics()

	failing := &recordingOutput{err: errors.New("device unplugged")}
	healthy := &recordingOutput{}
	arb := New(Deps{Metrics: m}, failing, healthy)

	assert.True(t, arb.Offer(context.Background(), "A", input(1), t1))
	assert.Len(t, healthy.received(), 1, "later outputs still receive input")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutputErrors.WithLabelValues("recorder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ArbiterUpdates.WithLabelValues("accepted")))
}

func TestOffer_ConcurrentOrdering(t *testing.T) {
	out := &recordingOutput{}
	arb := New(Deps{}, out)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ts := t1.Add(time.Duration(i*8+g) * time.Millisecond)
				arb.Offer(context.Background(), "src", input(uint(g)), ts)
			}
		}(g)
	}
	wg.Wait()

	got, ok := arb.Latest()
	require.True(t, ok)
	assert.Equal(t, t1.Add(time.Duration(49*8+7)*time.Millisecond), got.Timestamp)

	// outputs saw accepted inputs in acceptance order, so the last one is the newest
	received := out.received()
	assert.Equal(t, got.Input, received[len(received)-1])
}
