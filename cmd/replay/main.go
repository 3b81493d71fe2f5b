// replay feeds recorded market data back through the pipeline: it reads a
// JSONL file of ticks and publishes them to the ticks topic, optionally
// paced by their recorded timestamps.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dkrastev/signal-pipeline/internal/config"
	"github.com/dkrastev/signal-pipeline/internal/observ"
	"github.com/dkrastev/signal-pipeline/internal/stream"
)

type tickLine struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp float64 `json:"timestamp"`
}

func main() {
	var (
		configPath string
		ticksPath  string
		pace       bool
		speed      float64
	)
	flag.StringVar(&configPath, "config", "", "path to config.yaml (optional)")
	flag.StringVar(&ticksPath, "ticks", "", "JSONL file of ticks to replay (required)")
	flag.BoolVar(&pace, "pace", false, "sleep between ticks per recorded timestamps")
	flag.Float64Var(&speed, "speed", 1.0, "pacing speedup factor")
	flag.Parse()

	_ = godotenv.Load()

	if ticksPath == "" {
		fmt.Fprintln(os.Stderr, "replay: -ticks is required")
		os.Exit(2)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	log := observ.NewLogger("replay", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := stream.NewRedisBroker(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Redis.URL).Msg("redis unreachable")
	}
	defer broker.Close()

	f, err := os.Open(ticksPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", ticksPath).Msg("cannot open ticks file")
	}
	defer f.Close()

	published, skipped := 0, 0
	var prevTS float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var tl tickLine
		if err := json.Unmarshal(scanner.Bytes(), &tl); err != nil || tl.Symbol == "" || tl.Price <= 0 {
			skipped++
			continue
		}
		if pace && prevTS > 0 && tl.Timestamp > prevTS {
			delay := time.Duration((tl.Timestamp - prevTS) / speed * float64(time.Second))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
		prevTS = tl.Timestamp

		tick := stream.Tick{Symbol: tl.Symbol, Price: tl.Price, Volume: tl.Volume, Timestamp: tl.Timestamp}
		if err := broker.Publish(ctx, stream.TopicTicks, tick.Fields()); err != nil {
			log.Error().Err(err).Str("symbol", tick.Symbol).Msg("publish failed, stopping")
			break
		}
		published++
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("read failed")
	}
	log.Info().Int("published", published).Int("skipped", skipped).Msg("replay finished")
}
