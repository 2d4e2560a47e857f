package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

func (db *DB) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS topics (
			arn             TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			owner_id        TEXT NOT NULL,
			delivery_policy TEXT,
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id                 TEXT PRIMARY KEY,
			arn                TEXT UNIQUE NOT NULL,
			topic_arn          TEXT NOT NULL REFERENCES topics(arn) ON DELETE CASCADE,
			owner_id           TEXT NOT NULL,
			protocol           INT NOT NULL,
			endpoint           TEXT NOT NULL,
			confirmed          BOOLEAN NOT NULL DEFAULT FALSE,
			confirmation_token TEXT,
			raw_delivery       BOOLEAN NOT NULL DEFAULT FALSE,
			delivery_policy    TEXT,
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (topic_arn, protocol, endpoint)
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_topic_id ON subscriptions(topic_arn, id);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_token ON subscriptions(topic_arn, confirmation_token);
	`

	_, err := db.Pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
