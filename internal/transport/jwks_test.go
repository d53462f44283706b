package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visa-direct-sdk/pkg/logger"
)

func init() {
	_ = logger.Init("development")
}

func newTestKey(t *testing.T, kid string) jose.JSONWebKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return jose.JSONWebKey{Key: priv, KeyID: kid, Algorithm: "RSA-OAEP-256", Use: "enc"}
}

func newJWKSServer(t *testing.T, fetches *atomic.Int64, keys func() jose.JSONWebKeySet) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keys())
	}))
	t.Cleanup(server.Close)
	return server
}

func TestKeySetCache_CachesWithinTTL(t *testing.T) {
	var fetches atomic.Int64
	key := newTestKey(t, "kid-1")
	server := newJWKSServer(t, &fetches, func() jose.JSONWebKeySet {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key}}
	})

	cache := NewKeySetCache(server.URL, time.Minute, true, server.Client())
	ctx := context.Background()

	first, err := cache.Current(ctx)
	require.NoError(t, err)
	require.Len(t, first.Keys, 1)

	second, err := cache.Current(ctx)
	require.NoError(t, err)
	assert.Len(t, second.Keys, 1)

	assert.Equal(t, int64(1), fetches.Load(), "second read should hit the cache")
}

func TestKeySetCache_RefreshForcesRefetch(t *testing.T) {
	var fetches atomic.Int64
	key := newTestKey(t, "kid-1")
	server := newJWKSServer(t, &fetches, func() jose.JSONWebKeySet {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key}}
	})

	cache := NewKeySetCache(server.URL, time.Minute, true, server.Client())
	ctx := context.Background()

	_, err := cache.Current(ctx)
	require.NoError(t, err)
	_, err = cache.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), fetches.Load())
}

func TestKeySetCache_EmptyURLYieldsEmptySet(t *testing.T) {
	cache := NewKeySetCache("", time.Minute, true, nil)

	keys, err := cache.Current(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys.Keys)
}

func TestKeySetCache_FetchFailure(t *testing.T) {
	var fetches atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	t.Run("production fails closed", func(t *testing.T) {
		cache := NewKeySetCache(server.URL, time.Minute, true, server.Client())
		_, err := cache.Current(context.Background())
		assert.Error(t, err)
	})

	t.Run("dev caches the empty set", func(t *testing.T) {
		fetches.Store(0)
		cache := NewKeySetCache(server.URL, time.Minute, false, server.Client())

		keys, err := cache.Current(context.Background())
		require.NoError(t, err)
		assert.Empty(t, keys.Keys)
		afterFirst := fetches.Load()

		// Within the TTL the empty set is served from cache.
		_, err = cache.Current(context.Background())
		require.NoError(t, err)
		assert.Equal(t, afterFirst, fetches.Load())
	})
}
