// Package stream is the append-only log layer the pipeline runs on. Topics
// (ticks, signals, orders, fills) are durable streams; producers publish
// flat string-keyed records with bounded retry, consumers read through named
// groups and acknowledge records after processing, so delivery is
// at-least-once and consumers must be idempotent keyed by record id.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Topic names shared by all services.
const (
	TopicTicks   = "ticks:global"
	TopicSignals = "signals:global"
	TopicOrders  = "orders:gateway"
	TopicFills   = "fills:global"
)

// Message is one record as delivered to a consumer group member.
type Message struct {
	ID     string
	Fields map[string]string
}

// Publisher appends a record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, fields map[string]string) error
}

// Consumer reads one topic on behalf of a consumer group member. Fetch
// blocks for at most the given duration so a consumer can be stopped
// cooperatively; records stay pending until Ack'd and are redelivered to
// the group on restart.
type Consumer interface {
	Fetch(ctx context.Context, count int, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, ids ...string) error
	Close() error
}

// Broker is a connection to the log. It may be shared across consumers in
// a group; ordering is guaranteed per topic only.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, topic, group, consumer string) (Consumer, error)
	Close() error
}

// PublishError is the terminal failure after retries are exhausted. The
// caller decides whether to mark downstream state failed; the shard keeps
// running.
type PublishError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("stream: publish to %s failed after %d attempts: %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// RetryConfig bounds the publish retry loop.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Delay      time.Duration `yaml:"delay"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, Delay: 500 * time.Millisecond}
}

func (c RetryConfig) Validate() error {
	if c.MaxRetries < 1 {
		return fmt.Errorf("stream: max_retries %d < 1", c.MaxRetries)
	}
	if c.Delay < 0 {
		return fmt.Errorf("stream: negative retry delay %v", c.Delay)
	}
	return nil
}

// RetryPublisher wraps a Publisher with a fixed-delay retry loop. The delay
// sleeps only the calling goroutine (one symbol worker), never the engine.
type RetryPublisher struct {
	inner   Publisher
	cfg     RetryConfig
	onRetry func(topic string, attempt int, err error)
}

// NewRetryPublisher wraps inner. onRetry, if non-nil, observes each failed
// attempt (for logging and counters).
func NewRetryPublisher(inner Publisher, cfg RetryConfig, onRetry func(topic string, attempt int, err error)) (*RetryPublisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RetryPublisher{inner: inner, cfg: cfg, onRetry: onRetry}, nil
}

func (p *RetryPublisher) Publish(ctx context.Context, topic string, fields map[string]string) error {
	var last error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		err := p.inner.Publish(ctx, topic, fields)
		if err == nil {
			return nil
		}
		last = err
		if p.onRetry != nil {
			p.onRetry(topic, attempt, err)
		}
		if attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return &PublishError{Topic: topic, Attempts: attempt, Err: errors.Join(last, ctx.Err())}
		case <-time.After(p.cfg.Delay):
		}
	}
	return &PublishError{Topic: topic, Attempts: p.cfg.MaxRetries, Err: last}
}
