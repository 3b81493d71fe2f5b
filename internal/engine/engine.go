// Package engine runs one pattern-engine shard: it consumes the ticks
// topic through a consumer group, keeps per-symbol detector state, and
// publishes emitted signals with bounded retry.
package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkrastev/signal-pipeline/internal/detector"
	"github.com/dkrastev/signal-pipeline/internal/observ"
	"github.com/dkrastev/signal-pipeline/internal/stream"
)

// Config wires one shard.
type Config struct {
	Group        string
	Consumer     string
	FetchCount   int
	PollBlock    time.Duration
	Workers      int
	WorkerBuffer int
	Detector     detector.Config
	// Symbols restricts the shard to its partition; empty means all.
	Symbols []string
}

func (c *Config) fill() {
	if c.Group == "" {
		c.Group = "pattern_engine"
	}
	if c.FetchCount <= 0 {
		c.FetchCount = 10
	}
	if c.PollBlock <= 0 {
		c.PollBlock = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.WorkerBuffer <= 0 {
		c.WorkerBuffer = 256
	}
}

// Engine drives the detect loop. Ticks are dispatched to workers by symbol
// hash, so every tick for a given symbol lands on the same goroutine. Each
// worker owns a private Detector, which keeps symbol state single-writer
// without any locking, while distinct symbols progress in parallel.
type Engine struct {
	cfg     Config
	broker  stream.Broker
	pub     stream.Publisher
	log     zerolog.Logger
	metrics *observ.Metrics
	owned   map[string]bool
	workers []*worker
	jobs    []chan job
	active  atomic.Int64
}

type worker struct {
	det *detector.Detector
}

type job struct {
	tick stream.Tick
	ack  func()
}

func New(cfg Config, broker stream.Broker, pub stream.Publisher, log zerolog.Logger, metrics *observ.Metrics) (*Engine, error) {
	cfg.fill()
	owned := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		owned[s] = true
	}
	e := &Engine{
		cfg:     cfg,
		broker:  broker,
		pub:     pub,
		log:     log,
		metrics: metrics,
		owned:   owned,
	}
	e.workers = make([]*worker, cfg.Workers)
	for i := range e.workers {
		det, err := detector.New(cfg.Detector)
		if err != nil {
			return nil, err
		}
		e.workers[i] = &worker{det: det}
	}
	return e, nil
}

// ActiveSymbols exposes detector population for the health endpoint.
func (e *Engine) ActiveSymbols() int {
	return int(e.active.Load())
}

// Run consumes until ctx is cancelled. Only a broker that cannot be
// subscribed at all is fatal; per-record and per-symbol failures are
// logged, counted, and skipped.
func (e *Engine) Run(ctx context.Context) error {
	consumer, err := e.broker.Subscribe(ctx, stream.TopicTicks, e.cfg.Group, e.cfg.Consumer)
	if err != nil {
		return err
	}
	defer consumer.Close()

	e.jobs = make([]chan job, e.cfg.Workers)
	var wg sync.WaitGroup
	for i := range e.jobs {
		e.jobs[i] = make(chan job, e.cfg.WorkerBuffer)
		wg.Add(1)
		go func(w *worker, jobs <-chan job) {
			defer wg.Done()
			for j := range jobs {
				e.process(ctx, w, j)
			}
		}(e.workers[i], e.jobs[i])
	}
	defer func() {
		for _, ch := range e.jobs {
			close(ch)
		}
		wg.Wait()
	}()

	e.log.Info().Str("group", e.cfg.Group).Str("consumer", e.cfg.Consumer).
		Int("workers", e.cfg.Workers).Int("owned_symbols", len(e.owned)).
		Msg("pattern engine consuming ticks")

	for {
		msgs, err := consumer.Fetch(ctx, e.cfg.FetchCount, e.cfg.PollBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.log.Error().Err(err).Msg("tick fetch failed, backing off")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			e.dispatch(ctx, consumer, msg)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, consumer stream.Consumer, msg stream.Message) {
	tick, err := stream.ParseTick(msg.Fields)
	if err != nil {
		// malformed ticks are acked so the group does not redeliver junk
		e.log.Warn().Err(err).Str("id", msg.ID).Msg("skipping malformed tick")
		e.metrics.MalformedRecords.WithLabelValues(stream.TopicTicks).Inc()
		_ = consumer.Ack(ctx, msg.ID)
		return
	}
	if len(e.owned) > 0 && !e.owned[tick.Symbol] {
		_ = consumer.Ack(ctx, msg.ID)
		return
	}
	id := msg.ID
	j := job{tick: tick, ack: func() { _ = consumer.Ack(ctx, id) }}
	select {
	case e.jobs[e.workerFor(tick.Symbol)] <- j:
	case <-ctx.Done():
	}
}

func (e *Engine) workerFor(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(e.cfg.Workers))
}

func (e *Engine) process(ctx context.Context, w *worker, j job) {
	tick := j.tick
	before := w.det.ActiveSymbols()
	sig, err := w.det.Update(tick.Symbol, tick.Price, tick.Volume, tick.Timestamp)
	if grew := w.det.ActiveSymbols() - before; grew > 0 {
		e.metrics.ActiveSymbols.Set(float64(e.active.Add(int64(grew))))
	}
	if err != nil {
		// one symbol's fault never aborts the shard
		e.log.Error().Err(err).Str("symbol", tick.Symbol).Msg("detector update failed")
		j.ack()
		return
	}
	e.metrics.TicksProcessed.WithLabelValues(tick.Symbol).Inc()

	if sig != nil {
		if err := e.pub.Publish(ctx, stream.TopicSignals, stream.SignalFields(*sig)); err != nil {
			e.metrics.PublishFailures.WithLabelValues(stream.TopicSignals).Inc()
			e.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("signal publish failed")
			// leave the tick unacked: redelivery gives the signal another
			// chance, and detectors tolerate replayed ticks
			return
		}
		e.metrics.SignalsEmitted.WithLabelValues(string(sig.Pattern)).Inc()
		e.log.Info().Str("symbol", sig.Symbol).Float64("score", sig.Score).
			Str("pattern", string(sig.Pattern)).Msg("signal generated")
	}
	j.ack()
}
