package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config holds the connection settings
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("DATABASE_PING_TIMEOUT must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("DATABASE_MAX_OPEN_CONNS must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("DATABASE_MAX_IDLE_CONNS must be between 0 and DATABASE_MAX_OPEN_CONNS")
	}
	return nil
}

// Open connects through the pgx database/sql driver and pings the server
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS validation_sets (
	id               TEXT PRIMARY KEY,
	artifact_id      TEXT NOT NULL,
	artifact_version TEXT NOT NULL,
	dedup_key        TEXT UNIQUE,
	overall_status   TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ,
	fault            TEXT NOT NULL DEFAULT '',
	requests         JSONB NOT NULL DEFAULT '[]'::jsonb,
	version          BIGINT NOT NULL
);

ALTER TABLE validation_sets ADD COLUMN IF NOT EXISTS notified_at TIMESTAMPTZ;

DROP INDEX IF EXISTS validation_sets_active_idx;

CREATE INDEX IF NOT EXISTS validation_sets_pending_idx
	ON validation_sets (created_at)
	WHERE overall_status NOT IN ('Succeeded', 'Failed', 'TimedOut') OR notified_at IS NULL;
`

// Migrate creates the schema if it does not exist
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
