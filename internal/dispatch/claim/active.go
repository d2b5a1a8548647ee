package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"resqBack/internal/dispatch/fsm"
)

// ActiveStore remembers the request a partner is working on, so a job in
// progress can be re-attached after a reconnect or a restart.
type ActiveStore interface {
	Set(ctx context.Context, d fsm.Domain, partnerID, requestID string) error
	// Get returns "" when the partner has no active request.
	Get(ctx context.Context, d fsm.Domain, partnerID string) (string, error)
	Clear(ctx context.Context, d fsm.Domain, partnerID string) error
}

// RedisActiveStore keeps active request ids in Redis.
type RedisActiveStore struct {
	rdb *redis.Client
}

// NewRedisActiveStore creates a Redis backed ActiveStore.
func NewRedisActiveStore(rdb *redis.Client) *RedisActiveStore {
	return &RedisActiveStore{rdb: rdb}
}

func activeKey(d fsm.Domain, partnerID string) string {
	return fmt.Sprintf("active:%s:%s", d.Name, partnerID)
}

// Set implements ActiveStore.
func (s *RedisActiveStore) Set(ctx context.Context, d fsm.Domain, partnerID, requestID string) error {
	return s.rdb.HSet(ctx, activeKey(d, partnerID), d.ActiveKey, requestID).Err()
}

// Get implements ActiveStore.
func (s *RedisActiveStore) Get(ctx context.Context, d fsm.Domain, partnerID string) (string, error) {
	id, err := s.rdb.HGet(ctx, activeKey(d, partnerID), d.ActiveKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

// Clear implements ActiveStore.
func (s *RedisActiveStore) Clear(ctx context.Context, d fsm.Domain, partnerID string) error {
	return s.rdb.Del(ctx, activeKey(d, partnerID)).Err()
}

// MemoryActiveStore is an in-process ActiveStore.
type MemoryActiveStore struct {
	mu  sync.Mutex
	ids map[string]string
}

// NewMemoryActiveStore creates an empty MemoryActiveStore.
func NewMemoryActiveStore() *MemoryActiveStore {
	return &MemoryActiveStore{ids: make(map[string]string)}
}

// Set implements ActiveStore.
func (s *MemoryActiveStore) Set(_ context.Context, d fsm.Domain, partnerID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[activeKey(d, partnerID)] = requestID
	return nil
}

// Get implements ActiveStore.
func (s *MemoryActiveStore) Get(_ context.Context, d fsm.Domain, partnerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[activeKey(d, partnerID)], nil
}

// Clear implements ActiveStore.
func (s *MemoryActiveStore) Clear(_ context.Context, d fsm.Domain, partnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, activeKey(d, partnerID))
	return nil
}
