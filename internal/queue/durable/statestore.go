// Package durable implements the distributed queue backend: a wrapper
// around an external durable-execution runtime that models each queue as
// a remotely invocable service. The runtime owns durability and crash
// recovery of invocations; this package layers priority admission control
// (a distributed weighted semaphore), monotonic job IDs, and an
// application-owned retry loop on top.
package durable

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/shelfmark/shelfmark/pkg/errors"
)

// StateStore is the strongly consistent key-value entry behind the
// coordination objects. Update applies fn to the current value as one
// atomic compare-and-swap; concurrent updates to the same key retry
// rather than interleave.
type StateStore interface {
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) ([]byte, error)
}

// RedisStore implements StateStore with WATCH-based transactions
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing Redis client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

const casMaxRetries = 64

// Update implements StateStore
func (s *RedisStore) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) ([]byte, error) {
	var result []byte

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		result = next

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < casMaxRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return result, nil
		}
		if err == redis.TxFailedErr {
			continue // lost the race, reload and retry
		}
		return nil, apperrors.NewExternalError("redis", "coordination state update failed").WithCause(err)
	}

	return nil, apperrors.NewConflictError("coordination state update exceeded CAS retry budget").
		WithDetail("key", key)
}

// MemoryStore is an in-process StateStore used by tests and by
// single-node deployments that run the coordination service without
// Redis.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Update implements StateStore
func (s *MemoryStore) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.values[key])
	if err != nil {
		return nil, err
	}
	s.values[key] = next
	return next, nil
}

var (
	_ StateStore = (*RedisStore)(nil)
	_ StateStore = (*MemoryStore)(nil)
)
