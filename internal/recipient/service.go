// Package recipient looks up payout recipients: alias resolution to a card
// credential, card validation, funds-transfer attribute inquiry, and the
// generic payout validate call. Every lookup is cached; entries past half
// their TTL are refreshed in the background so callers never wait on it.
package recipient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"visa-direct-sdk/internal/storage"
	"visa-direct-sdk/pkg/logger"
)

const (
	resolvePath    = "/visaaliasdirectory/v1/resolve"
	validationPath = "/pav/v1/card/validation"
	attributesPath = "/paai/v1/fundstransfer/attributes/inquiry"
	validatePath   = "/visapayouts/v3/payouts/validate"

	cacheTTL = 60 * time.Second
)

// Poster is the slice of the secure transport this service needs.
type Poster interface {
	Post(ctx context.Context, path string, body any, headers map[string]string) (map[string]any, int, http.Header, error)
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

// ResolveAlias maps an alias (email, phone) to a tokenized card credential.
func (s *Service) ResolveAlias(ctx context.Context, alias, aliasType string) (map[string]any, error) {
	key := fmt.Sprintf("alias:%s:%s", aliasType, alias)
	body := map[string]any{"alias": alias, "aliasType": aliasType}
	return s.cachedPost(ctx, key, resolvePath, body)
}

// CardValidation checks the status of a tokenized PAN.
func (s *Service) CardValidation(ctx context.Context, panToken string) (map[string]any, error) {
	key := "pav:" + panToken
	return s.cachedPost(ctx, key, validationPath, map[string]any{"panToken": panToken})
}

// TransferAttributes reports push-payment eligibility for a tokenized PAN.
func (s *Service) TransferAttributes(ctx context.Context, panToken string) (map[string]any, error) {
	key := "ftai:" + panToken
	return s.cachedPost(ctx, key, attributesPath, map[string]any{"panToken": panToken})
}

// Validate runs the generic payout validation call. The cache key is a
// digest of the payload since validation bodies are free-form.
func (s *Service) Validate(ctx context.Context, payload map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize validation payload: %w", err)
	}
	digest := sha256.Sum256(raw)
	key := "validate:" + hex.EncodeToString(digest[:])
	return s.cachedPost(ctx, key, validatePath, payload)
}

func (s *Service) cachedPost(ctx context.Context, key, path string, body map[string]any) (map[string]any, error) {
	cached, shouldRevalidate, err := s.cache.GetWithRevalidate(ctx, key)
	if err != nil {
		logger.Warn("Recipient cache read failed", zap.String("key", key), zap.Error(err))
	}
	if cached != nil {
		if shouldRevalidate {
			go s.revalidate(key, path, body)
		}
		return cached, nil
	}

	data, _, _, err := s.poster.Post(ctx, path, body, nil)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, data, cacheTTL); err != nil {
		logger.Warn("Recipient cache write failed", zap.String("key", key), zap.Error(err))
	}
	return data, nil
}

// revalidate refreshes an aging entry off the caller's path. It runs on a
// background context and swallows errors: a stale entry is still usable.
func (s *Service) revalidate(key, path string, body map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, _, _, err := s.poster.Post(ctx, path, body, nil)
	if err != nil {
		logger.Debug("Background revalidation failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, data, cacheTTL); err != nil {
		logger.Debug("Background revalidation store failed", zap.String("key", key), zap.Error(err))
	}
}
