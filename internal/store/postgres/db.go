// Package postgres provides PostgreSQL-based implementations of the store
// interfaces.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"alertflow/internal/config"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, cfg *config.PostgresConfig) (*DB, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=%d",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
		cfg.SSLMode,
		cfg.MaxOpenConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxOpenConns
	poolConfig.MinConns = cfg.MaxIdleConns
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Pool returns the underlying connection pool.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// RunMigrations creates the required database tables.
func (db *DB) RunMigrations(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS alerts (
			id VARCHAR(48) PRIMARY KEY,
			fingerprint VARCHAR(64) NOT NULL,
			rule_id VARCHAR(128) NOT NULL,
			status VARCHAR(20) NOT NULL,
			level SMALLINT NOT NULL,
			value DOUBLE PRECISION NOT NULL DEFAULT 0,
			title TEXT NOT NULL,
			content TEXT,
			item VARCHAR(255),
			resource_id VARCHAR(255),
			resource_type VARCHAR(100),
			alert_source VARCHAR(255),
			first_event_time TIMESTAMP WITH TIME ZONE NOT NULL,
			last_event_time TIMESTAMP WITH TIME ZONE NOT NULL,
			event_ids JSONB NOT NULL DEFAULT '[]',
			info_event_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
		CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts(rule_id);
		CREATE INDEX IF NOT EXISTS idx_alerts_resource ON alerts(resource_id);
		CREATE UNIQUE INDEX IF NOT EXISTS uq_alerts_open_fingerprint
			ON alerts(fingerprint) WHERE status IN ('firing', 'acknowledged');

		CREATE TABLE IF NOT EXISTS events (
			event_id VARCHAR(255) PRIMARY KEY,
			item VARCHAR(255),
			resource_id VARCHAR(255),
			resource_type VARCHAR(100),
			alert_source VARCHAR(255),
			level SMALLINT NOT NULL,
			value DOUBLE PRECISION,
			status VARCHAR(100),
			title TEXT,
			start_time TIMESTAMP WITH TIME ZONE NOT NULL,
			end_time TIMESTAMP WITH TIME ZONE,
			labels JSONB,
			raw_data JSONB
		);

		CREATE INDEX IF NOT EXISTS idx_events_start_time ON events(start_time);
		CREATE INDEX IF NOT EXISTS idx_events_resource ON events(resource_id);
	`

	_, err := db.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
