package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"visa-direct-sdk/pkg/logger"
)

const (
	defaultKeySetTTL   = 5 * time.Minute
	keySetFetchTimeout = 5 * time.Second
	keySetFetchRetries = 3
)

// KeySetCache fetches and caches the JWKS used for message-level
// encryption, keyed by kid. Replacement is guarded by a mutex: one writer,
// many readers. In production mode a fetch failure fails closed; in dev
// mode it yields an empty set cached for the TTL to bound retry storms.
type KeySetCache struct {
	mu         sync.Mutex
	url        string
	ttl        time.Duration
	production bool
	client     *http.Client

	keys      jose.JSONWebKeySet
	expiresAt time.Time
}

func NewKeySetCache(url string, ttl time.Duration, production bool, client *http.Client) *KeySetCache {
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}
	if client == nil {
		client = &http.Client{Timeout: keySetFetchTimeout}
	}
	return &KeySetCache{url: url, ttl: ttl, production: production, client: client}
}

// Current returns the cached key set, fetching it when absent or expired.
func (c *KeySetCache) Current(ctx context.Context) (jose.JSONWebKeySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Now().Before(c.expiresAt) {
		return c.keys, nil
	}
	return c.fetchLocked(ctx)
}

// Refresh invalidates the cache and re-fetches synchronously. The refreshed
// set is stored before Refresh returns, so later readers observe it.
func (c *KeySetCache) Refresh(ctx context.Context) (jose.JSONWebKeySet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expiresAt = time.Time{}
	return c.fetchLocked(ctx)
}

func (c *KeySetCache) fetchLocked(ctx context.Context) (jose.JSONWebKeySet, error) {
	if c.url == "" {
		c.keys = jose.JSONWebKeySet{}
		c.expiresAt = time.Now().Add(c.ttl)
		return c.keys, nil
	}

	var keys jose.JSONWebKeySet
	err := retry.Do(
		func() error {
			fetched, err := c.fetchOnce(ctx)
			if err != nil {
				return err
			}
			keys = fetched
			return nil
		},
		retry.Attempts(keySetFetchRetries),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		logger.Error("Failed to fetch key set", zap.String("url", c.url), zap.Error(err))
		if c.production {
			return jose.JSONWebKeySet{}, fmt.Errorf("key set fetch failed: %w", err)
		}
		// dev: cache the empty set so a flapping JWKS endpoint is not hammered
		c.keys = jose.JSONWebKeySet{}
		c.expiresAt = time.Now().Add(c.ttl)
		return c.keys, nil
	}

	c.keys = keys
	c.expiresAt = time.Now().Add(c.ttl)
	logger.Debug("Key set refreshed", zap.Int("keys", len(keys.Keys)))
	return c.keys, nil
}

func (c *KeySetCache) fetchOnce(ctx context.Context) (jose.JSONWebKeySet, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, keySetFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to create key set request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("key set request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("key set endpoint returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to read key set response: %w", err)
	}

	var keys jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &keys); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to parse key set: %w", err)
	}
	return keys, nil
}
