package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"spread-alerts/internal/config"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS price_snapshots (
    id           BIGSERIAL PRIMARY KEY,
    cycle_ts     TIMESTAMPTZ    NOT NULL,
    venue        TEXT           NOT NULL,
    asset        TEXT           NOT NULL,
    bid          NUMERIC(28,10) NOT NULL,
    ask          NUMERIC(28,10) NOT NULL,
    spread_pct   NUMERIC(10,4)  NOT NULL,
    volume_24h   NUMERIC(38,10),
    observed_at  TIMESTAMPTZ    NOT NULL,
    created_at   TIMESTAMPTZ    NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_price_snapshots_asset_ts ON price_snapshots (asset, cycle_ts DESC);

CREATE TABLE IF NOT EXISTS best_prices (
    asset          TEXT PRIMARY KEY,
    best_bid_venue TEXT           NOT NULL,
    best_bid       NUMERIC(28,10) NOT NULL,
    best_ask_venue TEXT           NOT NULL,
    best_ask       NUMERIC(28,10) NOT NULL,
    spread_pct     NUMERIC(10,4)  NOT NULL,
    crossed        BOOLEAN        NOT NULL DEFAULT FALSE,
    venues         INTEGER        NOT NULL,
    computed_at    TIMESTAMPTZ    NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_subscriptions (
    id                UUID PRIMARY KEY,
    owner             TEXT          NOT NULL,
    asset             TEXT          NOT NULL,
    threshold_pct     NUMERIC(10,4) NOT NULL,
    status            TEXT          NOT NULL CHECK (status IN ('active','paused','deleted')),
    cooldown_seconds  BIGINT        NOT NULL CHECK (cooldown_seconds >= 0),
    last_triggered_at TIMESTAMPTZ,
    created_at        TIMESTAMPTZ   NOT NULL,
    updated_at        TIMESTAMPTZ   NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_subscriptions_status ON alert_subscriptions (status);
CREATE INDEX IF NOT EXISTS idx_alert_subscriptions_owner ON alert_subscriptions (owner);

CREATE TABLE IF NOT EXISTS alert_states (
    subscription_id     UUID PRIMARY KEY REFERENCES alert_subscriptions (id),
    previous_spread_pct NUMERIC(10,4) NOT NULL,
    evaluated_at        TIMESTAMPTZ   NOT NULL
);

CREATE TABLE IF NOT EXISTS alert_events (
    id              UUID PRIMARY KEY,
    subscription_id UUID           NOT NULL,
    asset           TEXT           NOT NULL,
    spread_pct      NUMERIC(10,4)  NOT NULL,
    threshold_pct   NUMERIC(10,4)  NOT NULL,
    best_bid_venue  TEXT           NOT NULL,
    best_bid        NUMERIC(28,10) NOT NULL,
    best_ask_venue  TEXT           NOT NULL,
    best_ask        NUMERIC(28,10) NOT NULL,
    channels        TEXT[]         NOT NULL DEFAULT '{}',
    delivered       BOOLEAN        NOT NULL,
    error           TEXT,
    created_at      TIMESTAMPTZ    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_events_created ON alert_events (created_at DESC);
`

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
