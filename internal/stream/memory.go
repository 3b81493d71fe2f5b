package stream

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker with consumer-group semantics,
// used by tests and by the stubs binary when no Redis is around. Delivery
// mirrors the durable log: records are appended per topic, each group has
// one cursor shared by its members, and fetched records stay pending until
// acknowledged.
type MemoryBroker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	topics map[string][]Message
	groups map[string]*memGroup // key topic|group
	closed bool
	nextID int64
}

type memGroup struct {
	cursor  int
	pending map[string]Message
}

func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		topics: make(map[string][]Message),
		groups: make(map[string]*memGroup),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, fields map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("stream: broker closed")
	}
	b.nextID++
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	b.topics[topic] = append(b.topics[topic], Message{
		ID:     fmt.Sprintf("%d-0", b.nextID),
		Fields: copied,
	})
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic, group, consumer string) (Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("stream: broker closed")
	}
	key := topic + "|" + group
	g, ok := b.groups[key]
	if !ok {
		g = &memGroup{pending: make(map[string]Message)}
		b.groups[key] = g
	}
	return &memConsumer{broker: b, topic: topic, group: g}, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// Pending reports unacknowledged records for a topic/group, the records a
// crashed consumer would see redelivered.
func (b *MemoryBroker) Pending(topic, group string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[topic+"|"+group]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(g.pending))
	for _, m := range g.pending {
		out = append(out, m)
	}
	return out
}

type memConsumer struct {
	broker *MemoryBroker
	topic  string
	group  *memGroup
	closed bool
}

func (c *memConsumer) Fetch(ctx context.Context, count int, block time.Duration) ([]Message, error) {
	if count <= 0 {
		count = 10
	}
	deadline := time.Now().Add(block)

	// wake the cond wait when the context is cancelled or the poll expires
	timerCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	go func() {
		<-timerCtx.Done()
		c.broker.mu.Lock()
		c.broker.cond.Broadcast()
		c.broker.mu.Unlock()
	}()

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for {
		if c.closed || c.broker.closed {
			return nil, fmt.Errorf("stream: consumer closed")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log := c.broker.topics[c.topic]
		if c.group.cursor < len(log) {
			end := c.group.cursor + count
			if end > len(log) {
				end = len(log)
			}
			msgs := make([]Message, end-c.group.cursor)
			copy(msgs, log[c.group.cursor:end])
			for _, m := range msgs {
				c.group.pending[m.ID] = m
			}
			c.group.cursor = end
			return msgs, nil
		}
		if time.Now().After(deadline) {
			return nil, nil // poll timeout, no records
		}
		c.broker.cond.Wait()
	}
}

func (c *memConsumer) Ack(_ context.Context, ids ...string) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for _, id := range ids {
		delete(c.group.pending, id)
	}
	return nil
}

func (c *memConsumer) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.closed = true
	c.broker.cond.Broadcast()
	return nil
}
