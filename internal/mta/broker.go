package mta

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// InMemoryBroker is a non-durable Broker: a FIFO queue guarded by a mutex,
// with in-flight messages tracked separately so Ack only ever removes a
// message this broker actually handed out.
type InMemoryBroker struct {
	mu       sync.Mutex
	pending  []*QueuedMessage
	inFlight map[string]*QueuedMessage
}

// NewInMemoryBroker constructs an empty InMemoryBroker.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{inFlight: make(map[string]*QueuedMessage)}
}

// Dequeue pops the oldest pending message. ok is false, with a nil error,
// when the queue is empty — the broker's own non-blocking short-poll
// contract.
func (b *InMemoryBroker) Dequeue(_ context.Context) (*QueuedMessage, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil, false, nil
	}
	msg := b.pending[0]
	b.pending = b.pending[1:]
	b.inFlight[msg.ID] = msg
	return msg, true, nil
}

// Enqueue appends a message without acknowledging any prior lease, used both
// for first submission and for the deferred-attempt gate's redrive.
func (b *InMemoryBroker) Enqueue(_ context.Context, msg *QueuedMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	b.mu.Lock()
	delete(b.inFlight, msg.ID)
	b.pending = append(b.pending, msg)
	b.mu.Unlock()
	return nil
}

// Ack releases exclusive ownership of a dequeued message for good.
func (b *InMemoryBroker) Ack(_ context.Context, msg *QueuedMessage) error {
	b.mu.Lock()
	delete(b.inFlight, msg.ID)
	b.mu.Unlock()
	return nil
}

// Depth reports the number of messages waiting to be dequeued.
func (b *InMemoryBroker) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// RedisBroker is a Redis-backed Broker using a list as the FIFO queue and a
// hash to track messages currently leased (dequeued but not yet acked),
// keyed by message ID.
type RedisBroker struct {
	client    redis.UniversalClient
	queueKey  string
	leaseKey  string
}

// NewRedisBroker constructs a RedisBroker against an already-connected
// client.
func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{
		client:   client,
		queueKey: "elemta:outbound:queue",
		leaseKey: "elemta:outbound:leased",
	}
}

// Dequeue pops the oldest message. ok is false when the queue is empty.
func (b *RedisBroker) Dequeue(ctx context.Context) (*QueuedMessage, bool, error) {
	raw, err := b.client.LPop(ctx, b.queueKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("dequeue: %w", err)
	}

	var msg QueuedMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, false, fmt.Errorf("decode dequeued message: %w", err)
	}

	if err := b.client.HSet(ctx, b.leaseKey, msg.ID, raw).Err(); err != nil {
		return nil, false, fmt.Errorf("record lease for %s: %w", msg.ID, err)
	}
	return &msg, true, nil
}

// Enqueue pushes a message onto the tail of the queue.
func (b *RedisBroker) Enqueue(ctx context.Context, msg *QueuedMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}

	pipe := b.client.TxPipeline()
	pipe.HDel(ctx, b.leaseKey, msg.ID)
	pipe.RPush(ctx, b.queueKey, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.ID, err)
	}
	return nil
}

// Ack clears the lease record for a dequeued message.
func (b *RedisBroker) Ack(ctx context.Context, msg *QueuedMessage) error {
	if err := b.client.HDel(ctx, b.leaseKey, msg.ID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", msg.ID, err)
	}
	return nil
}
