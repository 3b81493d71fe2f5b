package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dkrastev/signal-pipeline/internal/config"
	"github.com/dkrastev/signal-pipeline/internal/feed"
	"github.com/dkrastev/signal-pipeline/internal/observ"
	"github.com/dkrastev/signal-pipeline/internal/stream"
)

func main() {
	var (
		configPath string
		interval   time.Duration
	)
	flag.StringVar(&configPath, "config", "", "path to config.yaml (optional)")
	flag.DurationVar(&interval, "interval", time.Second, "synthetic tick interval when no feed url is set")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tickfeed:", err)
		os.Exit(1)
	}
	log := observ.NewLogger("tickfeed", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := stream.NewRedisBroker(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Redis.URL).Msg("redis unreachable")
	}
	defer broker.Close()

	if cfg.Feed.URL != "" {
		client := feed.NewClient(cfg.Feed.URL, broker, log)
		err = client.Run(ctx)
	} else {
		symbols := cfg.Feed.Symbols
		if len(symbols) == 0 {
			symbols = []string{"AAPL", "MSFT", "GOOGL"}
		}
		err = feed.NewGenerator(symbols, interval, broker, log).Run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("feed stopped")
	}
	log.Info().Msg("tickfeed stopped")
}
