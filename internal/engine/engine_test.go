package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrastev/signal-pipeline/internal/detector"
	"github.com/dkrastev/signal-pipeline/internal/observ"
	"github.com/dkrastev/signal-pipeline/internal/stream"
)

func newTestEngine(t *testing.T, cfg Config, broker *stream.MemoryBroker) *Engine {
	t.Helper()
	if cfg.Consumer == "" {
		cfg.Consumer = "test-1"
	}
	cfg.PollBlock = 20 * time.Millisecond
	cfg.Detector = detector.DefaultConfig()
	e, err := New(cfg, broker, broker, zerolog.Nop(), observ.NewMetrics("test"))
	require.NoError(t, err)
	return e
}

func publishTick(t *testing.T, b *stream.MemoryBroker, symbol string, price, volume, ts float64) {
	t.Helper()
	tick := stream.Tick{Symbol: symbol, Price: price, Volume: volume, Timestamp: ts}
	require.NoError(t, b.Publish(context.Background(), stream.TopicTicks, tick.Fields()))
}

func drainSignals(t *testing.T, b *stream.MemoryBroker, deadline time.Duration) []detector.Signal {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	c, err := b.Subscribe(ctx, stream.TopicSignals, "test_drain", "d1")
	require.NoError(t, err)
	defer c.Close()
	var out []detector.Signal
	for {
		msgs, err := c.Fetch(ctx, 100, 50*time.Millisecond)
		if err != nil || len(msgs) == 0 {
			return out
		}
		for _, m := range msgs {
			sig, err := stream.ParseSignal(m.Fields)
			require.NoError(t, err)
			out = append(out, sig)
			_ = c.Ack(ctx, m.ID)
		}
	}
}

func TestRun_DetectsAndPublishesSignal(t *testing.T) {
	broker := stream.NewMemoryBroker()
	e := newTestEngine(t, Config{Workers: 2}, broker)

	// warm the detector on a flat regime, then jump hard
	ts := 1_700_000_000.0
	for i := 0; i < 30; i++ {
		publishTick(t, broker, "AAPL", 100, 1000, ts+float64(i))
	}
	publishTick(t, broker, "AAPL", 140, 1000, ts+30)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(drainSignals(t, broker, 100*time.Millisecond)) > 0
	}, 3*time.Second, 50*time.Millisecond, "expected at least one signal on the jump")

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, e.ActiveSymbols())
}

func TestRun_MalformedTickAckedAndSkipped(t *testing.T) {
	broker := stream.NewMemoryBroker()
	e := newTestEngine(t, Config{Workers: 1}, broker)

	require.NoError(t, broker.Publish(context.Background(), stream.TopicTicks,
		map[string]string{"symbol": "AAPL", "price": "not-a-number"}))
	publishTick(t, broker, "AAPL", 100, 1000, 1_700_000_000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(broker.Pending(stream.TopicTicks, "pattern_engine")) == 0
	}, 3*time.Second, 20*time.Millisecond, "both ticks should be acked")

	cancel()
	require.NoError(t, <-done)
}

func TestRun_IgnoresSymbolsOutsidePartition(t *testing.T) {
	broker := stream.NewMemoryBroker()
	e := newTestEngine(t, Config{Workers: 1, Symbols: []string{"AAPL"}}, broker)

	ts := 1_700_000_000.0
	for i := 0; i < 30; i++ {
		publishTick(t, broker, "MSFT", 100, 1000, ts+float64(i))
	}
	publishTick(t, broker, "MSFT", 140, 1000, ts+30)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(broker.Pending(stream.TopicTicks, "pattern_engine")) == 0
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, drainSignals(t, broker, 100*time.Millisecond))
	assert.Equal(t, 0, e.ActiveSymbols())
}

func TestWorkerFor_StableAssignment(t *testing.T) {
	broker := stream.NewMemoryBroker()
	e := newTestEngine(t, Config{Workers: 4}, broker)
	for _, sym := range []string{"AAPL", "MSFT", "GOOG", "TSLA"} {
		first := e.workerFor(sym)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, e.workerFor(sym))
		}
		assert.Less(t, first, 4)
	}
}
