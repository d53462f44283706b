package storage

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     map[string]any
	createdAt time.Time
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return e.expiresAt.Before(now)
}

// MemoryIdempotencyStore is a mutex-guarded in-process idempotency store.
// First unexpired write wins.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if entry.expired(time.Now()) {
		delete(s.entries, key)
		return nil, nil
	}
	return entry.value, nil
}

func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, value map[string]any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.entries[key]; ok && !existing.expired(now) {
		// check-and-set: the first stored result stays authoritative
		return nil
	}
	s.entries[key] = memoryEntry{value: value, createdAt: now, expiresAt: now.Add(ttl)}
	return nil
}

// MemoryReceiptStore burns (namespace, id) tokens in process memory.
type MemoryReceiptStore struct {
	mu   sync.Mutex
	used map[string]struct{}
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{used: make(map[string]struct{})}
}

func (s *MemoryReceiptStore) ConsumeOnce(_ context.Context, namespace, id string) (bool, error) {
	key := namespace + ":" + id

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, burned := s.used[key]; burned {
		return false, nil
	}
	s.used[key] = struct{}{}
	return true, nil
}

// MemoryCache is a mutex-guarded TTL cache with the half-TTL revalidation
// signal.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.expired(time.Now()) {
		delete(c.entries, key)
		return nil, nil
	}
	return entry.value, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value map[string]any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.entries[key] = memoryEntry{value: value, createdAt: now, expiresAt: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) GetWithRevalidate(_ context.Context, key string) (map[string]any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.entries[key]
	if !ok || entry.expired(now) {
		delete(c.entries, key)
		return nil, false, nil
	}
	age := now.Sub(entry.createdAt)
	ttl := entry.expiresAt.Sub(entry.createdAt)
	return entry.value, ttl > 0 && age > ttl/2, nil
}
