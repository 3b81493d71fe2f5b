// Package strategy runs the strategy-engine service: it fuses incoming
// signals with raced forecasts and sentiment, and turns strong decisions
// into orders on the gateway topic. Ticks feed the per-symbol price
// history the forecast models read from; fills are consumed and
// acknowledged so the group never accumulates a backlog.
package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dkrastev/signal-pipeline/internal/fusion"
	"github.com/dkrastev/signal-pipeline/internal/inference"
	"github.com/dkrastev/signal-pipeline/internal/observ"
	"github.com/dkrastev/signal-pipeline/internal/outbox"
	"github.com/dkrastev/signal-pipeline/internal/stream"
)

const strategyLabel = "enhanced_ml_sentiment"

type Config struct {
	Group           string
	Consumer        string
	FetchCount      int
	PollBlock       time.Duration
	ForecastHorizon int
	// MinHistory gates the forecast race: below it the analysis is zeroed
	// rather than wasting a round trip on a model that needs warmup.
	MinHistory      int
	SentimentWindow string
}

func (c *Config) fill() {
	if c.Group == "" {
		c.Group = "strategy_consumers"
	}
	if c.FetchCount <= 0 {
		c.FetchCount = 10
	}
	if c.PollBlock <= 0 {
		c.PollBlock = time.Second
	}
	if c.ForecastHorizon <= 0 {
		c.ForecastHorizon = 10
	}
	if c.MinHistory <= 0 {
		c.MinHistory = 10
	}
	if c.SentimentWindow == "" {
		c.SentimentWindow = "1h"
	}
}

type Strategy struct {
	cfg       Config
	broker    stream.Broker
	pub       stream.Publisher
	fuser     *fusion.Engine
	racer     *inference.Racer
	sentiment *inference.SentimentClient
	log       zerolog.Logger
	metrics   *observ.Metrics
	journal   *outbox.Outbox
}

func New(cfg Config, broker stream.Broker, pub stream.Publisher, fuser *fusion.Engine,
	racer *inference.Racer, sentiment *inference.SentimentClient,
	log zerolog.Logger, metrics *observ.Metrics) *Strategy {
	cfg.fill()
	return &Strategy{
		cfg:       cfg,
		broker:    broker,
		pub:       pub,
		fuser:     fuser,
		racer:     racer,
		sentiment: sentiment,
		log:       log,
		metrics:   metrics,
	}
}

// AttachJournal enables the JSONL audit trail. Journal write failures are
// logged, never fatal; the stream stays the source of truth.
func (s *Strategy) AttachJournal(o *outbox.Outbox) {
	s.journal = o
}

func (s *Strategy) ActiveSymbols() int {
	return s.fuser.ActiveSymbols()
}

// BackendHealth reports forecast and sentiment reachability for /health.
func (s *Strategy) BackendHealth(ctx context.Context) map[string]bool {
	health := s.racer.Health(ctx)
	health["sentiment"] = s.sentiment.Healthy(ctx)
	return health
}

// Run starts the three consumer loops and blocks until ctx is cancelled.
// Each loop holds its own consumer inside the shared group.
func (s *Strategy) Run(ctx context.Context) error {
	loops := []struct {
		topic   string
		handler func(context.Context, stream.Consumer, stream.Message)
	}{
		{stream.TopicTicks, s.handleTick},
		{stream.TopicSignals, s.handleSignal},
		{stream.TopicFills, s.handleFill},
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(loops))
	var wg sync.WaitGroup
	for _, l := range loops {
		consumer, err := s.broker.Subscribe(ctx, l.topic, s.cfg.Group, s.cfg.Consumer)
		if err != nil {
			cancel()
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(topic string, c stream.Consumer, handle func(context.Context, stream.Consumer, stream.Message)) {
			defer wg.Done()
			defer c.Close()
			errs <- s.consume(ctx, topic, c, handle)
		}(l.topic, consumer, l.handler)
	}

	s.log.Info().Str("group", s.cfg.Group).Str("consumer", s.cfg.Consumer).
		Msg("strategy engine consuming")

	err := <-errs
	cancel()
	wg.Wait()
	return err
}

func (s *Strategy) consume(ctx context.Context, topic string, c stream.Consumer,
	handle func(context.Context, stream.Consumer, stream.Message)) error {
	for {
		msgs, err := c.Fetch(ctx, s.cfg.FetchCount, s.cfg.PollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Str("topic", topic).Msg("fetch failed, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			handle(ctx, c, msg)
		}
	}
}

func (s *Strategy) handleTick(ctx context.Context, c stream.Consumer, msg stream.Message) {
	tick, err := stream.ParseTick(msg.Fields)
	if err != nil {
		s.metrics.MalformedRecords.WithLabelValues(stream.TopicTicks).Inc()
		_ = c.Ack(ctx, msg.ID)
		return
	}
	s.fuser.ObserveTick(tick.Symbol, tick.Price)
	s.metrics.ActiveSymbols.Set(float64(s.fuser.ActiveSymbols()))
	_ = c.Ack(ctx, msg.ID)
}

func (s *Strategy) handleSignal(ctx context.Context, c stream.Consumer, msg stream.Message) {
	sig, err := stream.ParseSignal(msg.Fields)
	if err != nil {
		s.log.Warn().Err(err).Str("id", msg.ID).Msg("skipping malformed signal")
		s.metrics.MalformedRecords.WithLabelValues(stream.TopicSignals).Inc()
		_ = c.Ack(ctx, msg.ID)
		return
	}

	analysis := s.analyze(ctx, sig.Symbol)

	decision := s.fuser.Combine(sig, analysis)
	s.metrics.Decisions.WithLabelValues(string(decision.Action)).Inc()

	if decision.Action == fusion.ActionHold {
		s.log.Debug().Str("symbol", sig.Symbol).
			Float64("combined_score", decision.CombinedScore).Msg("holding")
		_ = c.Ack(ctx, msg.ID)
		return
	}

	order := stream.Order{
		ID:            uuid.NewString(),
		Symbol:        decision.Symbol,
		Side:          side(decision.Action),
		Qty:           decision.PositionSize,
		Type:          "MARKET",
		Strategy:      strategyLabel,
		CombinedScore: decision.CombinedScore,
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		Factors:       decision.Factors,
	}
	if err := s.pub.Publish(ctx, stream.TopicOrders, order.Fields()); err != nil {
		s.metrics.PublishFailures.WithLabelValues(stream.TopicOrders).Inc()
		s.log.Error().Err(err).Str("symbol", order.Symbol).Msg("order publish failed")
		// unacked: the signal is redelivered and the decision re-derived
		return
	}

	if s.journal != nil {
		if err := s.journal.WriteOrder(order); err != nil {
			s.log.Warn().Err(err).Str("order_id", order.ID).Msg("journal write failed")
		}
	}
	s.log.Info().Str("symbol", order.Symbol).Str("side", order.Side).
		Int("qty", order.Qty).Float64("combined_score", order.CombinedScore).
		Str("order_id", order.ID).Msg("order placed")
	_ = c.Ack(ctx, msg.ID)
}

// analyze races the forecast backends and fetches sentiment for one
// symbol. With too little history both come back zeroed, which the
// fusion weights treat as neutral.
func (s *Strategy) analyze(ctx context.Context, symbol string) fusion.Analysis {
	history := s.fuser.History(symbol)
	if len(history) < s.cfg.MinHistory {
		s.log.Debug().Str("symbol", symbol).Int("points", len(history)).
			Msg("insufficient history for forecast")
		return fusion.NewAnalysis(symbol, 0, 0, 0, "insufficient_data")
	}

	result := s.racer.RaceForecast(ctx, symbol, history, s.cfg.ForecastHorizon)
	s.metrics.RaceResults.WithLabelValues(string(result.Source)).Inc()
	forecast, confidence := result.First()

	sent := s.sentiment.Score(ctx, symbol, s.cfg.SentimentWindow)

	return fusion.NewAnalysis(symbol, forecast, confidence, sent, string(result.Source))
}

func (s *Strategy) handleFill(ctx context.Context, c stream.Consumer, msg stream.Message) {
	fill, err := stream.ParseFill(msg.Fields)
	if err != nil {
		s.metrics.MalformedRecords.WithLabelValues(stream.TopicFills).Inc()
		_ = c.Ack(ctx, msg.ID)
		return
	}
	if s.journal != nil {
		if err := s.journal.WriteFill(fill); err != nil {
			s.log.Warn().Err(err).Str("order_id", fill.OrderID).Msg("journal write failed")
		}
	}
	s.log.Info().Str("order_id", fill.OrderID).Str("symbol", fill.Symbol).
		Str("side", fill.Side).Float64("price", fill.Price).Msg("fill received")
	_ = c.Ack(ctx, msg.ID)
}

func side(a fusion.Action) string {
	if a == fusion.ActionSell {
		return "SELL"
	}
	return "BUY"
}
