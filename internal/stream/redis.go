package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker backs the pipeline with Redis Streams: XADD appends,
// XREADGROUP delivers per consumer group, XACK commits. One broker (and
// its connection pool) may be shared by every consumer in the process.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects and pings so a dead broker fails startup, not the
// first publish.
func NewRedisBroker(ctx context.Context, url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("stream: bad redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("stream: redis unreachable: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Err()
}

// Subscribe ensures the group exists (tolerating BUSYGROUP when another
// member created it first) and returns a group member handle.
func (b *RedisBroker) Subscribe(ctx context.Context, topic, group, consumer string) (Consumer, error) {
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("stream: create group %s on %s: %w", group, topic, err)
	}
	return &redisConsumer{
		client:   b.client,
		topic:    topic,
		group:    group,
		consumer: consumer,
	}, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisConsumer struct {
	client   *redis.Client
	topic    string
	group    string
	consumer string
}

func (c *redisConsumer) Fetch(ctx context.Context, count int, block time.Duration) ([]Message, error) {
	if count <= 0 {
		count = 10
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.topic, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil // poll timeout
	}
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = fmt.Sprint(v)
				}
			}
			out = append(out, Message{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

func (c *redisConsumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.client.XAck(ctx, c.topic, c.group, ids...).Err()
}

func (c *redisConsumer) Close() error { return nil }
