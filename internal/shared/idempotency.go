package shared

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IdempotencyStore remembers processed request keys in Redis.
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyStore constructs the store. Keys expire after ttl.
func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

func idempotencyKey(module, key string) string {
	return "idem:" + module + ":" + key
}

// CheckAndInsert claims key for module, failing with ErrIdempotencyConflict
// when it was claimed before.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.client == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	if _, err := uuid.Parse(key); err != nil {
		return ErrInvalidIdempotencyKey
	}
	ok, err := s.client.SetNX(ctx, idempotencyKey(module, key), time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrIdempotencyConflict
	}
	return nil
}

// Delete removes a key, typically used to roll back failed processing.
func (s *IdempotencyStore) Delete(ctx context.Context, key, module string) error {
	if s == nil || s.client == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	return s.client.Del(ctx, idempotencyKey(module, key)).Err()
}
