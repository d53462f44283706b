package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"visa-direct-sdk/pkg/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// NewPostgresPool opens a pgx connection pool and verifies it with a ping.
func NewPostgresPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		logger.Error("Failed to parse connection config", zap.Error(err))
		return nil, fmt.Errorf("invalid postgres connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		logger.Error("Failed to create db connection pool", zap.Error(err))
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		logger.Error("Database ping failed", zap.Error(err))
		return nil, err
	}

	logger.Info("Database connection pool created successfully")
	return pool, nil
}

// RunMigrations applies the embedded schema migrations for the postgres
// store backends.
func RunMigrations(connStr string) error {
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer sqlDB.Close()

	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	logger.Info("Running store migrations...")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No new migrations to apply")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// PostgresIdempotencyStore is the remote-table idempotency backend. Writes
// use a conditional insert so a concurrent writer cannot clobber the first
// stored result; expired rows are filtered on read.
type PostgresIdempotencyStore struct {
	db *pgxpool.Pool
}

func NewPostgresIdempotencyStore(db *pgxpool.Pool) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db}
}

func (s *PostgresIdempotencyStore) Get(ctx context.Context, key string) (map[string]any, error) {
	query := `SELECT payload FROM payout_idempotency WHERE idk = $1 AND expires_at > now()`

	var raw []byte
	err := s.db.QueryRow(ctx, query, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency entry %s: %w", key, err)
	}

	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("corrupt idempotency entry for key %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresIdempotencyStore) Put(ctx context.Context, key string, value map[string]any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize idempotency entry: %w", err)
	}

	// ON CONFLICT DO NOTHING: an existing row is authoritative
	query := `INSERT INTO payout_idempotency (idk, payload, created_at, expires_at)
		VALUES ($1, $2, now(), now() + $3)
		ON CONFLICT (idk) DO NOTHING`

	if _, err := s.db.Exec(ctx, query, key, raw, ttl); err != nil {
		return fmt.Errorf("failed to store idempotency entry %s: %w", key, err)
	}
	return nil
}

// PostgresReceiptStore burns funding receipts with a conditional insert.
type PostgresReceiptStore struct {
	db *pgxpool.Pool
}

func NewPostgresReceiptStore(db *pgxpool.Pool) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db}
}

func (s *PostgresReceiptStore) ConsumeOnce(ctx context.Context, namespace, id string) (bool, error) {
	query := `INSERT INTO payout_receipts (receipt_id, consumed_at, expires_at)
		VALUES ($1, now(), now() + $2)
		ON CONFLICT (receipt_id) DO NOTHING`

	tag, err := s.db.Exec(ctx, query, namespace+"#"+id, ReceiptTTL)
	if err != nil {
		return false, fmt.Errorf("failed to consume receipt %s/%s: %w", namespace, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// PostgresCache is the remote-table variant of the TTL cache.
type PostgresCache struct {
	db *pgxpool.Pool
}

func NewPostgresCache(db *pgxpool.Pool) *PostgresCache {
	return &PostgresCache{db: db}
}

func (c *PostgresCache) Get(ctx context.Context, key string) (map[string]any, error) {
	value, _, err := c.GetWithRevalidate(ctx, key)
	return value, err
}

func (c *PostgresCache) Set(ctx context.Context, key string, value map[string]any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry: %w", err)
	}

	query := `INSERT INTO payout_cache (cache_key, payload, created_at, expires_at)
		VALUES ($1, $2, now(), now() + $3)
		ON CONFLICT (cache_key) DO UPDATE
		SET payload = EXCLUDED.payload, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`

	if _, err := c.db.Exec(ctx, query, key, raw, ttl); err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}
	return nil
}

func (c *PostgresCache) GetWithRevalidate(ctx context.Context, key string) (map[string]any, bool, error) {
	query := `SELECT payload, created_at, expires_at FROM payout_cache
		WHERE cache_key = $1 AND expires_at > now()`

	var (
		raw       []byte
		createdAt time.Time
		expiresAt time.Time
	)
	err := c.db.QueryRow(ctx, query, key).Scan(&raw, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}

	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry for key %s: %w", key, err)
	}

	age := time.Since(createdAt)
	ttl := expiresAt.Sub(createdAt)
	return value, ttl > 0 && age > ttl/2, nil
}
