package recipient

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visa-direct-sdk/internal/storage"
	"visa-direct-sdk/pkg/logger"
)

func init() {
	_ = logger.Init("development")
}

type recordingPoster struct {
	mu       sync.Mutex
	calls    []string
	response map[string]any
	err      error
}

func (p *recordingPoster) Post(ctx context.Context, path string, body any, headers map[string]string) (map[string]any, int, http.Header, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, path)
	if p.err != nil {
		return nil, 0, nil, p.err
	}
	return p.response, http.StatusOK, nil, nil
}

func (p *recordingPoster) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func TestResolveAlias_CachesByAliasAndType(t *testing.T) {
	poster := &recordingPoster{response: map[string]any{"panToken": "tok_1", "credentialType": "CARD"}}
	service := NewService(poster, storage.NewMemoryCache())
	ctx := context.Background()

	first, err := service.ResolveAlias(ctx, "dev@example.com", "EMAIL")
	require.NoError(t, err)
	assert.Equal(t, "tok_1", first["panToken"])

	second, err := service.ResolveAlias(ctx, "dev@example.com", "EMAIL")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, poster.callCount(), "second lookup should be served from cache")

	// A different alias type is a different cache entry.
	_, err = service.ResolveAlias(ctx, "dev@example.com", "PHONE")
	require.NoError(t, err)
	assert.Equal(t, 2, poster.callCount())
}

func TestCardValidationAndAttributes_Paths(t *testing.T) {
	poster := &recordingPoster{response: map[string]any{"cardStatus": "active"}}
	service := NewService(poster, storage.NewMemoryCache())
	ctx := context.Background()

	_, err := service.CardValidation(ctx, "tok_1")
	require.NoError(t, err)
	_, err = service.TransferAttributes(ctx, "tok_1")
	require.NoError(t, err)

	assert.Equal(t, []string{validationPath, attributesPath}, poster.calls)
}

func TestValidate_CachesByPayloadDigest(t *testing.T) {
	poster := &recordingPoster{response: map[string]any{"valid": true}}
	service := NewService(poster, storage.NewMemoryCache())
	ctx := context.Background()

	payload := map[string]any{"originatorId": "fi-001", "amount": "10.00"}
	_, err := service.Validate(ctx, payload)
	require.NoError(t, err)
	_, err = service.Validate(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, poster.callCount())

	_, err = service.Validate(ctx, map[string]any{"originatorId": "fi-002"})
	require.NoError(t, err)
	assert.Equal(t, 2, poster.callCount())
}

func TestResolveAlias_PropagatesTransportError(t *testing.T) {
	poster := &recordingPoster{err: assert.AnError}
	service := NewService(poster, storage.NewMemoryCache())

	_, err := service.ResolveAlias(context.Background(), "dev@example.com", "EMAIL")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCachedLookup_RevalidatesInBackground(t *testing.T) {
	poster := &recordingPoster{response: map[string]any{"panToken": "tok_1"}}
	cache := storage.NewMemoryCache()
	service := NewService(poster, cache)
	ctx := context.Background()

	// Seed an entry that is already past half its TTL.
	require.NoError(t, cache.Set(ctx, "alias:EMAIL:dev@example.com",
		map[string]any{"panToken": "tok_stale"}, 500*time.Millisecond))
	time.Sleep(300 * time.Millisecond)

	data, err := service.ResolveAlias(ctx, "dev@example.com", "EMAIL")
	require.NoError(t, err)
	assert.Equal(t, "tok_stale", data["panToken"], "caller gets the cached value immediately")

	// The refresh happens off the caller's path.
	assert.Eventually(t, func() bool { return poster.callCount() == 1 },
		time.Second, 5*time.Millisecond)
}
