// Package visadirect is a client SDK for originating push payments: card
// push-funds, account and wallet payouts, alias resolution, FX quote locks,
// and corridor policy gating, with idempotent orchestration and
// message-level encryption on the flagged API paths.
package visadirect

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"visa-direct-sdk/config"
	"visa-direct-sdk/internal/compliance"
	"visa-direct-sdk/internal/endpoints"
	"visa-direct-sdk/internal/events"
	"visa-direct-sdk/internal/payout"
	"visa-direct-sdk/internal/policy"
	"visa-direct-sdk/internal/quoting"
	"visa-direct-sdk/internal/recipient"
	"visa-direct-sdk/internal/storage"
	"visa-direct-sdk/internal/transport"
)

// Client owns the transport, the stores, and the orchestrator. It is safe
// for concurrent use; construct one per process and share it.
type Client struct {
	cfg          config.ClientConfig
	transport    *transport.SecureClient
	orchestrator *payout.Orchestrator
	policy       *policy.Policy
	recipient    *recipient.Service
	quoting      *quoting.Service
	redis        *redis.Client
	emitter      events.Emitter
}

// New builds a client from explicit configuration. When cfg.RedisURL is
// set, idempotency, receipts, caches, and the compensation stream all use
// redis; otherwise everything runs on the in-process stores.
func New(ctx context.Context, cfg config.ClientConfig) (*Client, error) {
	registry, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	secure, err := transport.NewSecureClient(transport.Options{
		BaseURL:  cfg.BaseURL,
		CertPath: cfg.CertPath,
		KeyPath:  cfg.KeyPath,
		CAPath:   cfg.CAPath,
		EnvMode:  cfg.EnvMode,
		Registry: registry,
	})
	if err != nil {
		return nil, err
	}

	pol, err := loadPolicy(cfg)
	if err != nil {
		return nil, err
	}

	client := &Client{cfg: cfg, transport: secure, policy: pol}

	var (
		idem        storage.IdempotencyStore
		receipts    storage.ReceiptStore
		lookupCache storage.Cache
		quoteCache  storage.Cache
	)
	if cfg.RedisURL != "" {
		redisClient, err := storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect remote stores: %w", err)
		}
		client.redis = redisClient
		idem = storage.NewRedisIdempotencyStore(redisClient)
		receipts = storage.NewRedisReceiptStore(redisClient)
		lookupCache = storage.NewRedisCache(redisClient)
		quoteCache = storage.NewRedisCache(redisClient)
		client.emitter = events.NewRedisStreamEmitter(redisClient)
	} else {
		idem = storage.NewMemoryIdempotencyStore()
		receipts = storage.NewMemoryReceiptStore()
		lookupCache = storage.NewMemoryCache()
		quoteCache = storage.NewMemoryCache()
		client.emitter = events.NewLogEmitter()
	}

	client.recipient = recipient.NewService(secure, lookupCache)
	client.quoting = quoting.NewService(secure, quoteCache)

	client.orchestrator, err = payout.NewOrchestrator(secure,
		payout.WithIdempotencyStore(idem),
		payout.WithReceiptStore(receipts),
		payout.WithRecipientService(client.recipient),
		payout.WithQuotingService(client.quoting),
		payout.WithScreener(compliance.NewService(secure)),
		payout.WithPolicy(pol),
		payout.WithEmitter(client.emitter),
	)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// NewFromEnv builds a client from environment variables.
func NewFromEnv(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}
	return New(ctx, cfg)
}

func loadRegistry(cfg config.ClientConfig) (*endpoints.Registry, error) {
	var (
		registry *endpoints.Registry
		err      error
	)
	if cfg.EndpointsFile != "" {
		registry, err = endpoints.Load(cfg.EndpointsFile)
	} else {
		registry, err = endpoints.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	// An explicit JWKS URL beats whatever the registry document resolved.
	if cfg.JWKSURL != "" {
		registry.JWKS.URL = cfg.JWKSURL
	}
	return registry, nil
}

func loadPolicy(cfg config.ClientConfig) (*policy.Policy, error) {
	if cfg.PolicyFile != "" {
		return policy.LoadFile(cfg.PolicyFile)
	}
	return policy.Load()
}

// Payouts starts a payout builder. The configured originator id is applied
// up front; every setter can still override it.
func (c *Client) Payouts() *payout.Builder {
	builder := payout.NewBuilder(c.orchestrator, c.policy)
	if c.cfg.OriginatorID != "" {
		builder.ForOriginator(c.cfg.OriginatorID)
	}
	return builder
}

// Payout submits a fully-formed request, bypassing the builder.
func (c *Client) Payout(ctx context.Context, req payout.Request) (payout.Receipt, error) {
	return c.orchestrator.Payout(ctx, req)
}

// PayoutStatus fetches a dispatched payout by id.
func (c *Client) PayoutStatus(ctx context.Context, payoutID string) (payout.Receipt, error) {
	return c.orchestrator.GetStatus(ctx, payoutID)
}

// Recipients exposes alias resolution and card lookups directly.
func (c *Client) Recipients() *recipient.Service {
	return c.recipient
}

// Quotes exposes FX quote locking directly.
func (c *Client) Quotes() *quoting.Service {
	return c.quoting
}

// Close releases remote connections and flushes the compensation emitter.
func (c *Client) Close() error {
	if streamEmitter, ok := c.emitter.(*events.RedisStreamEmitter); ok {
		streamEmitter.Close()
	}
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}
