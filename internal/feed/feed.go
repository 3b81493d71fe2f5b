// Package feed bridges market data onto the ticks topic. The websocket
// client consumes JSON ticks from an upstream feed and republishes them;
// the generator produces a synthetic random walk for local runs where no
// upstream exists.
package feed

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dkrastev/signal-pipeline/internal/stream"
)

type wireTick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp float64 `json:"timestamp"`
}

// Client reads ticks from a websocket endpoint and publishes them.
type Client struct {
	url string
	pub stream.Publisher
	log zerolog.Logger
}

func NewClient(url string, pub stream.Publisher, log zerolog.Logger) *Client {
	return &Client{url: url, pub: pub, log: log}
}

// Run reconnects with exponential backoff until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Dur("backoff", backoff).Msg("feed disconnected, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
	}
}

func (c *Client) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.log.Info().Str("url", c.url).Msg("connected market data feed")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		// closing the conn is the only way to unblock ReadMessage
		<-pingCtx.Done()
		conn.Close()
	}()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var wt wireTick
		if err := json.Unmarshal(message, &wt); err != nil {
			c.log.Warn().Err(err).Msg("failed to decode feed message")
			continue
		}
		if wt.Symbol == "" || wt.Price <= 0 {
			continue
		}
		if wt.Timestamp == 0 {
			wt.Timestamp = float64(time.Now().UnixNano()) / 1e9
		}
		tick := stream.Tick{Symbol: wt.Symbol, Price: wt.Price, Volume: wt.Volume, Timestamp: wt.Timestamp}
		if err := c.pub.Publish(ctx, stream.TopicTicks, tick.Fields()); err != nil {
			c.log.Error().Err(err).Str("symbol", tick.Symbol).Msg("tick publish failed")
		}
	}
}

// Generator emits a bounded random walk per symbol. Prices stay positive
// and volumes occasionally spike so downstream pattern rules have
// something to chew on.
type Generator struct {
	symbols  []string
	interval time.Duration
	pub      stream.Publisher
	log      zerolog.Logger
	rng      *rand.Rand
	prices   map[string]float64
}

func NewGenerator(symbols []string, interval time.Duration, pub stream.Publisher, log zerolog.Logger) *Generator {
	if interval <= 0 {
		interval = time.Second
	}
	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		prices[s] = 100.0
	}
	return &Generator{
		symbols:  symbols,
		interval: interval,
		pub:      pub,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		prices:   prices,
	}
}

func (g *Generator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	g.log.Info().Strs("symbols", g.symbols).Dur("interval", g.interval).
		Msg("synthetic tick generator started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := float64(time.Now().UnixNano()) / 1e9
			for _, sym := range g.symbols {
				tick := g.next(sym, now)
				if err := g.pub.Publish(ctx, stream.TopicTicks, tick.Fields()); err != nil {
					g.log.Error().Err(err).Str("symbol", sym).Msg("tick publish failed")
				}
			}
		}
	}
}

func (g *Generator) next(symbol string, ts float64) stream.Tick {
	price := g.prices[symbol]
	price *= 1 + g.rng.NormFloat64()*0.002
	if price < 1 {
		price = 1
	}
	g.prices[symbol] = price

	volume := 500 + g.rng.Float64()*1000
	if g.rng.Float64() < 0.02 {
		volume *= 5 // occasional spike
	}
	return stream.Tick{Symbol: symbol, Price: price, Volume: volume, Timestamp: ts}
}
