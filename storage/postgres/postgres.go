// Package postgres implements the relational storage backends: the canonical
// subscription rows, the idempotent event log, normalized payments, the
// monthly usage ledger with bounded history, and the plan catalog.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds connection pool configuration.
type Config struct {
	// URL is the connection string (postgres://...).
	URL string

	// MaxConns caps the pool size (default 10).
	MaxConns int32

	// MinConns keeps warm connections (default 2).
	MinConns int32

	// ConnectTimeout bounds the initial connection attempt (default 10s).
	ConnectTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults for the given URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		MaxConns:       10,
		MinConns:       2,
		ConnectTimeout: 10 * time.Second,
	}
}

// Store implements the relational storage interfaces over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, config Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}

	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id              TEXT PRIMARY KEY,
			plan_tier            TEXT NOT NULL,
			status               TEXT NOT NULL,
			customer_id          TEXT NOT NULL DEFAULT '',
			subscription_id      TEXT NOT NULL DEFAULT '',
			current_period_start TIMESTAMPTZ,
			current_period_end   TIMESTAMPTZ,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			trial_end            TIMESTAMPTZ,
			provider_updated_at  TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_id
			ON subscriptions (customer_id) WHERE customer_id <> ''`,
		`CREATE TABLE IF NOT EXISTS billing_events (
			event_id      TEXT PRIMARY KEY,
			event_type    TEXT NOT NULL,
			received_at   TIMESTAMPTZ NOT NULL,
			processed     BOOLEAN NOT NULL DEFAULT FALSE,
			processed_at  TIMESTAMPTZ,
			error_message TEXT NOT NULL DEFAULT '',
			raw_payload   BYTEA
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			payment_intent_id TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			invoice_id        TEXT NOT NULL DEFAULT '',
			amount            BIGINT NOT NULL,
			currency          TEXT NOT NULL,
			status            TEXT NOT NULL,
			billing_reason    TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_user_created
			ON payments (user_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS usage_ledger (
			user_id    TEXT NOT NULL,
			period     DATE NOT NULL,
			feature    TEXT NOT NULL,
			used       INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, period, feature)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_history (
			id          UUID PRIMARY KEY,
			user_id     TEXT NOT NULL,
			period      DATE NOT NULL,
			counters    JSONB NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_history_user_period
			ON usage_history (user_id, period DESC)`,
		`CREATE TABLE IF NOT EXISTS plan_catalog (
			tier                   TEXT PRIMARY KEY,
			name                   TEXT NOT NULL,
			price_cents            BIGINT NOT NULL,
			currency               TEXT NOT NULL,
			provider_price_id      TEXT NOT NULL DEFAULT '',
			monthly_quotas         JSONB NOT NULL,
			weekly_discovery_limit INTEGER NOT NULL,
			active_search_slots    INTEGER NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
