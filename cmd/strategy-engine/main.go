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
	"github.com/dkrastev/signal-pipeline/internal/fusion"
	"github.com/dkrastev/signal-pipeline/internal/inference"
	"github.com/dkrastev/signal-pipeline/internal/observ"
	"github.com/dkrastev/signal-pipeline/internal/outbox"
	"github.com/dkrastev/signal-pipeline/internal/strategy"
	"github.com/dkrastev/signal-pipeline/internal/stream"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config.yaml (optional)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "strategy-engine:", err)
		os.Exit(1)
	}
	log := observ.NewLogger("strategy-engine", cfg.LogLevel)
	metrics := observ.NewMetrics("strategy-engine")

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

	fuser, err := fusion.NewEngine(cfg.Fusion)
	if err != nil {
		log.Fatal().Err(err).Msg("bad fusion config")
	}

	var backends []*inference.ForecastClient
	if cfg.Inference.Primary.URL != "" {
		backends = append(backends, inference.NewForecastClient(inference.BackendConfig{
			Name:       "onnx",
			BaseURL:    cfg.Inference.Primary.URL,
			Source:     inference.SourcePrimary,
			Timeout:    time.Duration(cfg.Inference.Primary.TimeoutMs) * time.Millisecond,
			RatePerSec: cfg.Inference.Primary.RatePerSec,
		}))
	}
	if cfg.Inference.Secondary.URL != "" {
		backends = append(backends, inference.NewForecastClient(inference.BackendConfig{
			Name:       "tensorrt",
			BaseURL:    cfg.Inference.Secondary.URL,
			Source:     inference.SourceSecondary,
			Timeout:    time.Duration(cfg.Inference.Secondary.TimeoutMs) * time.Millisecond,
			RatePerSec: cfg.Inference.Secondary.RatePerSec,
		}))
	}
	racer := inference.NewRacer(backends, time.Duration(cfg.Inference.OverallBoundMs)*time.Millisecond)

	sentiment := inference.NewSentimentClient(
		cfg.Inference.Sentiment.URL,
		time.Duration(cfg.Inference.Sentiment.TimeoutMs)*time.Millisecond,
		time.Duration(cfg.Inference.SentimentTTLs)*time.Second,
		func(result string) { metrics.SentimentCache.WithLabelValues(result).Inc() },
	)

	consumerName := cfg.Streams.Consumer
	if consumerName == "" {
		consumerName = fmt.Sprintf("strategy_%d", os.Getpid())
	}
	strat := strategy.New(strategy.Config{
		Consumer:        consumerName,
		FetchCount:      cfg.Streams.FetchCount,
		PollBlock:       cfg.PollBlock(),
		ForecastHorizon: cfg.Inference.Horizon,
		MinHistory:      cfg.Inference.MinHistory,
		SentimentWindow: cfg.Inference.Window,
	}, broker, pub, fuser, racer, sentiment, log, metrics)

	if cfg.JournalPath != "" {
		journal, err := outbox.New(cfg.JournalPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.JournalPath).Msg("journal unavailable")
		}
		strat.AttachJournal(journal)
		log.Info().Str("path", cfg.JournalPath).Msg("order journal enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", observ.HealthHandler(func() observ.HealthStatus {
		probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return observ.HealthStatus{
			OK:            true,
			ActiveSymbols: strat.ActiveSymbols(),
			Backends:      strat.BackendHealth(probeCtx),
		}
	}))
	srv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	if err := strat.Run(ctx); err != nil {
		log.Error().Err(err).Msg("strategy stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("strategy engine stopped")
}
