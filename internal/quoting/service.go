// Package quoting locks FX rates for cross-currency payouts. Locks are
// cached per (source, destination, amount) tuple and refreshed in the
// background once an entry ages past half its TTL.
package quoting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"visa-direct-sdk/internal/storage"
	"visa-direct-sdk/pkg/logger"
)

const (
	lockPath = "/forexrates/v1/lock"
	cacheTTL = 300 * time.Second
)

// Poster is the slice of the secure transport this service needs.
type Poster interface {
	Post(ctx context.Context, path string, body any, headers map[string]string) (map[string]any, int, http.Header, error)
}

// Quote is a locked FX rate. ExpiresAt is the lock deadline reported by the
// rate service; callers must check it before dispatching.
type Quote struct {
	QuoteID   string
	ExpiresAt time.Time
}

type Service struct {
	poster Poster
	cache  storage.Cache
}

func NewService(poster Poster, cache storage.Cache) *Service {
	if cache == nil {
		cache = storage.NewMemoryCache()
	}
	return &Service{poster: poster, cache: cache}
}

// Lock obtains an FX quote for converting amountMinor from src to dst.
func (s *Service) Lock(ctx context.Context, src, dst string, amountMinor int64) (Quote, error) {
	key := fmt.Sprintf("fx:%s:%s:%d", src, dst, amountMinor)

	cached, shouldRevalidate, err := s.cache.GetWithRevalidate(ctx, key)
	if err != nil {
		logger.Warn("Quote cache read failed", zap.String("key", key), zap.Error(err))
	}
	if cached != nil {
		if shouldRevalidate {
			go s.revalidate(key, src, dst, amountMinor)
		}
		return parseQuote(cached)
	}

	data, err := s.lockRemote(ctx, src, dst, amountMinor)
	if err != nil {
		return Quote{}, err
	}
	if err := s.cache.Set(ctx, key, data, cacheTTL); err != nil {
		logger.Warn("Quote cache write failed", zap.String("key", key), zap.Error(err))
	}
	return parseQuote(data)
}

func (s *Service) lockRemote(ctx context.Context, src, dst string, amountMinor int64) (map[string]any, error) {
	body := map[string]any{
		"src":    src,
		"dst":    dst,
		"amount": map[string]any{"minor": amountMinor},
	}
	data, _, _, err := s.poster.Post(ctx, lockPath, body, nil)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Service) revalidate(key, src, dst string, amountMinor int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := s.lockRemote(ctx, src, dst, amountMinor)
	if err != nil {
		logger.Debug("Background quote refresh failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, data, cacheTTL); err != nil {
		logger.Debug("Background quote store failed", zap.String("key", key), zap.Error(err))
	}
}

func parseQuote(data map[string]any) (Quote, error) {
	quoteID, _ := data["quoteId"].(string)
	if quoteID == "" {
		return Quote{}, fmt.Errorf("rate lock response missing quoteId")
	}

	rawExpiry, _ := data["expiresAt"].(string)
	expiresAt, err := time.Parse(time.RFC3339, rawExpiry)
	if err != nil {
		return Quote{}, fmt.Errorf("rate lock response has invalid expiresAt %q: %w", rawExpiry, err)
	}

	return Quote{QuoteID: quoteID, ExpiresAt: expiresAt}, nil
}
