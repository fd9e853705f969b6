package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store is the persisted event collaborator: GetEventsForForwarding and Save
// per §6. The durable layout itself is out of scope; these are reference
// implementations so the Forwarder is runnable and testable without a real
// deployment.
type Store interface {
	GetEventsForForwarding(ctx context.Context, limit int) ([]*Event, error)
	Save(ctx context.Context, event *Event) error
}

// InMemoryStore is a concurrency-safe, non-durable Store.
type InMemoryStore struct {
	mu     sync.Mutex
	events map[string]*Event
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[string]*Event)}
}

// GetEventsForForwarding returns up to limit unforwarded events, oldest
// first.
func (s *InMemoryStore) GetEventsForForwarding(_ context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*Event, 0, len(s.events))
	for _, e := range s.events {
		if !e.Forwarded {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	if len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]*Event, len(pending))
	for i, e := range pending {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Save upserts the event, including any change to Forwarded.
func (s *InMemoryStore) Save(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.events[event.ID] = &cp
	return nil
}

// RedisStore is a Redis-backed Store: events live as JSON blobs in a hash,
// with a set tracking which IDs remain unforwarded so fetches don't need to
// scan the whole hash.
type RedisStore struct {
	client     redis.UniversalClient
	hashKey    string
	pendingKey string
}

// NewRedisStore constructs a RedisStore against an already-connected client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:     client,
		hashKey:    "elemta:events:all",
		pendingKey: "elemta:events:pending",
	}
}

// GetEventsForForwarding returns up to limit unforwarded events.
func (s *RedisStore) GetEventsForForwarding(ctx context.Context, limit int) ([]*Event, error) {
	ids, err := s.client.SRandMemberN(ctx, s.pendingKey, int64(limit)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	out := make([]*Event, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.HGet(ctx, s.hashKey, id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch event %s: %w", id, err)
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", id, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// Save upserts the event's JSON and maintains the pending set membership.
func (s *RedisStore) Save(ctx context.Context, event *Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.hashKey, event.ID, raw)
	if event.Forwarded {
		pipe.SRem(ctx, s.pendingKey, event.ID)
	} else {
		pipe.SAdd(ctx, s.pendingKey, event.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save event %s: %w", event.ID, err)
	}
	return nil
}
