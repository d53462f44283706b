// Package storage defines the pluggable stores the orchestrator relies on:
// an idempotency result cache, a one-shot funding-receipt store, and a
// generic TTL cache with stale-while-revalidate semantics. Each contract has
// an in-memory, a redis, and a postgres backend.
package storage

import (
	"context"
	"time"
)

// IdempotencyStore memoizes payout results under caller-supplied keys.
// A stored value is authoritative for its TTL window: backends must not
// overwrite an unexpired entry.
type IdempotencyStore interface {
	// Get returns the stored value, or nil when the key is absent or expired.
	Get(ctx context.Context, key string) (map[string]any, error)
	// Put stores value under key unless an unexpired value already exists,
	// in which case the existing value stays authoritative and Put returns nil.
	Put(ctx context.Context, key string, value map[string]any, ttl time.Duration) error
}

// ReceiptStore burns single-use funding receipts. ConsumeOnce is
// linearizable: exactly one call per (namespace, id) returns true.
type ReceiptStore interface {
	ConsumeOnce(ctx context.Context, namespace, id string) (bool, error)
}

// Cache is a TTL key-value store. GetWithRevalidate additionally reports
// whether the entry has aged past half its TTL, signalling the caller to
// kick off a best-effort background refresh.
type Cache interface {
	Get(ctx context.Context, key string) (map[string]any, error)
	Set(ctx context.Context, key string, value map[string]any, ttl time.Duration) error
	GetWithRevalidate(ctx context.Context, key string) (map[string]any, bool, error)
}

// ReceiptTTL bounds how long a burned receipt is remembered by the remote
// backends. In-memory backends remember receipts for the process lifetime.
const ReceiptTTL = 24 * time.Hour
