// Package config loads the pipeline configuration: YAML file first,
// then PIPELINE_* environment overrides, then defaults for anything
// still unset. Validation is fail-fast so a bad deploy dies at startup
// instead of trading on garbage thresholds.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dkrastev/signal-pipeline/internal/detector"
	"github.com/dkrastev/signal-pipeline/internal/fusion"
)

type Redis struct {
	URL string `yaml:"url" envconfig:"REDIS_URL"`
}

type Streams struct {
	Group      string `yaml:"group"`
	Consumer   string `yaml:"consumer"`
	FetchCount int    `yaml:"fetch_count"`
	PollMs     int    `yaml:"poll_ms"`
	// Publish retry policy, applied on every topic.
	MaxRetries   int `yaml:"max_retries"`
	RetryDelayMs int `yaml:"retry_delay_ms"`
}

type Partition struct {
	Count       int      `yaml:"count" envconfig:"PARTITION_COUNT"`
	Index       int      `yaml:"index" envconfig:"PARTITION_INDEX"`
	WeightsFile string   `yaml:"weights_file"`
	HotSymbols  []string `yaml:"hot_symbols"`
	Universe    []string `yaml:"universe"`
	Workers     int      `yaml:"workers"`
}

type Backend struct {
	URL        string  `yaml:"url"`
	TimeoutMs  int     `yaml:"timeout_ms"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

type Inference struct {
	Primary        Backend `yaml:"primary"`
	Secondary      Backend `yaml:"secondary"`
	OverallBoundMs int     `yaml:"overall_bound_ms"`
	Horizon        int     `yaml:"horizon"`
	MinHistory     int     `yaml:"min_history"`
	Sentiment      Backend `yaml:"sentiment"`
	SentimentTTLs  int     `yaml:"sentiment_ttl_seconds"`
	Window         string  `yaml:"sentiment_window"`
}

type Feed struct {
	URL string `yaml:"url" envconfig:"FEED_URL"`
	// Symbols the generator publishes when no upstream feed exists.
	Symbols []string `yaml:"symbols"`
}

type HTTP struct {
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
}

type Root struct {
	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	// JournalPath enables the JSONL order/fill journal when set.
	JournalPath string          `yaml:"journal_path" envconfig:"JOURNAL_PATH"`
	Redis       Redis           `yaml:"redis"`
	Streams     Streams         `yaml:"streams"`
	Detection   detector.Config `yaml:"detection"`
	Partition   Partition       `yaml:"partition"`
	Fusion      fusion.Config   `yaml:"fusion"`
	Inference   Inference       `yaml:"inference"`
	Feed        Feed            `yaml:"feed"`
	HTTP        HTTP            `yaml:"http"`
}

// Load reads path (skipped when empty), applies PIPELINE_* env overrides,
// fills defaults and validates. Missing file with an explicit path is an
// error; empty path means env-and-defaults only.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process("pipeline", &c); err != nil {
		return c, fmt.Errorf("config: env overrides: %w", err)
	}
	c.fillDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Root) fillDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Streams.FetchCount == 0 {
		c.Streams.FetchCount = 10
	}
	if c.Streams.PollMs == 0 {
		c.Streams.PollMs = 1000
	}
	if c.Streams.MaxRetries == 0 {
		c.Streams.MaxRetries = 3
	}
	if c.Streams.RetryDelayMs == 0 {
		c.Streams.RetryDelayMs = 500
	}
	if c.Partition.Count == 0 {
		c.Partition.Count = 1
	}
	if c.Partition.Workers == 0 {
		c.Partition.Workers = 4
	}
	c.Detection = detector.WithDefaults(c.Detection)
	c.Fusion = fusion.WithDefaults(c.Fusion)
	if c.Inference.Primary.TimeoutMs == 0 {
		c.Inference.Primary.TimeoutMs = 2000
	}
	// the secondary path is expected to answer faster when present
	if c.Inference.Secondary.TimeoutMs == 0 {
		c.Inference.Secondary.TimeoutMs = 1500
	}
	if c.Inference.OverallBoundMs == 0 {
		c.Inference.OverallBoundMs = 3000
	}
	if c.Inference.Horizon == 0 {
		c.Inference.Horizon = 10
	}
	if c.Inference.MinHistory == 0 {
		c.Inference.MinHistory = 10
	}
	if c.Inference.Sentiment.TimeoutMs == 0 {
		c.Inference.Sentiment.TimeoutMs = 2000
	}
	if c.Inference.SentimentTTLs == 0 {
		c.Inference.SentimentTTLs = 300
	}
	if c.Inference.Window == "" {
		c.Inference.Window = "1h"
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":8080"
	}
}

func (c Root) Validate() error {
	if err := c.Detection.Validate(); err != nil {
		return err
	}
	if err := c.Fusion.Validate(); err != nil {
		return err
	}
	if c.Streams.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0, got %d", c.Streams.MaxRetries)
	}
	if c.Streams.RetryDelayMs < 0 {
		return fmt.Errorf("config: retry_delay_ms must be >= 0, got %d", c.Streams.RetryDelayMs)
	}
	if c.Partition.Count < 1 {
		return fmt.Errorf("config: partition count must be >= 1, got %d", c.Partition.Count)
	}
	// an index outside [0,count) is not fatal: shard selection degrades
	// to serving the full universe
	return nil
}

func (c Root) PollBlock() time.Duration {
	return time.Duration(c.Streams.PollMs) * time.Millisecond
}

func (c Root) RetryDelay() time.Duration {
	return time.Duration(c.Streams.RetryDelayMs) * time.Millisecond
}
