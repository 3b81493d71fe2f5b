package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dkrastev/signal-pipeline/internal/config"
	"github.com/dkrastev/signal-pipeline/internal/engine"
	"github.com/dkrastev/signal-pipeline/internal/observ"
	"github.com/dkrastev/signal-pipeline/internal/partition"
	"github.com/dkrastev/signal-pipeline/internal/stream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config.yaml (optional)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pattern-engine:", err)
		os.Exit(1)
	}
	log := observ.NewLogger("pattern-engine", cfg.LogLevel)
	metrics := observ.NewMetrics("pattern-engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := stream.NewRedisBroker(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Redis.URL).Msg("redis unreachable")
	}
	defer broker.Close()

	pub, err := stream.NewRetryPublisher(broker, stream.RetryConfig{
		MaxRetries: cfg.Streams.MaxRetries,
		Delay:      cfg.RetryDelay(),
	}, func(topic string, attempt int, err error) {
		metrics.PublishRetries.WithLabelValues(topic).Inc()
		log.Warn().Err(err).Str("topic", topic).Int("attempt", attempt).Msg("publish retry")
	})
	if err != nil {
		log.Fatal().Err(err).Msg("bad retry config")
	}

	if cfg.Partition.Index < 0 || cfg.Partition.Index >= cfg.Partition.Count {
		log.Warn().Int("index", cfg.Partition.Index).Int("count", cfg.Partition.Count).
			Msg("partition index out of range, serving full universe")
	}
	weights := partition.LoadWeights(cfg.Partition.WeightsFile)
	owned := partition.Select(cfg.Partition.Universe, weights,
		cfg.Partition.Count, cfg.Partition.Index, cfg.Partition.HotSymbols)
	log.Info().Int("partition", cfg.Partition.Index).Int("of", cfg.Partition.Count).
		Int("symbols", len(owned)).Msg("partition plan")

	consumerName := cfg.Streams.Consumer
	if consumerName == "" {
		consumerName = fmt.Sprintf("pattern_%d", os.Getpid())
	}
	eng, err := engine.New(engine.Config{
		Group:      cfg.Streams.Group,
		Consumer:   consumerName,
		FetchCount: cfg.Streams.FetchCount,
		PollBlock:  cfg.PollBlock(),
		Workers:    cfg.Partition.Workers,
		Detector:   cfg.Detection,
		Symbols:    owned,
	}, broker, pub, log, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("bad detector config")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", observ.HealthHandler(func() observ.HealthStatus {
		return observ.HealthStatus{
			OK:            true,
			ActiveSymbols: eng.ActiveSymbols(),
		}
	}))
	srv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	if err := eng.Run(ctx); err != nil {
		log.Error().Err(err).Msg("engine stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("pattern engine stopped")
}
