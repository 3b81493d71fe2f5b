package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrastev/signal-pipeline/internal/stream"
)

func wsServer(t *testing.T, payloads []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, p := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		// hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func collectTicks(t *testing.T, b *stream.MemoryBroker, want int, wait time.Duration) []stream.Tick {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	c, err := b.Subscribe(ctx, stream.TopicTicks, "feed_test", "c1")
	require.NoError(t, err)
	defer c.Close()
	var out []stream.Tick
	for len(out) < want {
		msgs, err := c.Fetch(ctx, 10, 50*time.Millisecond)
		if err != nil {
			return out
		}
		for _, m := range msgs {
			tick, err := stream.ParseTick(m.Fields)
			require.NoError(t, err)
			out = append(out, tick)
			_ = c.Ack(ctx, m.ID)
		}
	}
	return out
}

func TestClient_PublishesValidTicks(t *testing.T) {
	srv := wsServer(t, []string{
		`{"symbol":"AAPL","price":101.5,"volume":1200,"timestamp":1700000000}`,
		`not json`,
		`{"symbol":"","price":10}`,
		`{"symbol":"MSFT","price":0}`,
		`{"symbol":"TSLA","price":250.25,"volume":900}`,
	})
	defer srv.Close()

	broker := stream.NewMemoryBroker()
	client := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), broker, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	ticks := collectTicks(t, broker, 2, 3*time.Second)
	cancel()
	<-done

	require.Len(t, ticks, 2, "junk and non-positive prices must be dropped")
	assert.Equal(t, "AAPL", ticks[0].Symbol)
	assert.Equal(t, 101.5, ticks[0].Price)
	assert.Equal(t, 1_700_000_000.0, ticks[0].Timestamp)
	assert.Equal(t, "TSLA", ticks[1].Symbol)
	assert.Greater(t, ticks[1].Timestamp, 0.0, "missing timestamp is stamped on arrival")
}

func TestClient_StopsOnCancel(t *testing.T) {
	srv := wsServer(t, nil)
	defer srv.Close()

	broker := stream.NewMemoryBroker()
	client := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), broker, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop on cancel")
	}
}

func TestGenerator_EmitsPositiveWalk(t *testing.T) {
	broker := stream.NewMemoryBroker()
	g := NewGenerator([]string{"AAPL", "MSFT"}, 10*time.Millisecond, broker, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	ticks := collectTicks(t, broker, 10, 3*time.Second)
	cancel()
	<-done

	require.GreaterOrEqual(t, len(ticks), 10)
	seen := map[string]bool{}
	for _, tick := range ticks {
		assert.Greater(t, tick.Price, 0.0)
		assert.Greater(t, tick.Volume, 0.0)
		assert.Greater(t, tick.Timestamp, 0.0)
		seen[tick.Symbol] = true
	}
	assert.True(t, seen["AAPL"])
	assert.True(t, seen["MSFT"])
}
