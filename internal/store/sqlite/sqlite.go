// Package sqlite stores topics and subscriptions in an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/store"
)

type DB struct {
	db *sql.DB
}

// New opens dsn, a file path or ":memory:". File databases run in WAL mode.
func New(ctx context.Context, dsn string) (*DB, error) {
	if dsn != ":memory:" && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases shared and writes serialized
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := sqlDB.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{db: sqlDB}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS topics (
			arn             TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			owner_id        TEXT NOT NULL,
			delivery_policy TEXT,
			created_at      INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id                 TEXT PRIMARY KEY,
			arn                TEXT UNIQUE NOT NULL,
			topic_arn          TEXT NOT NULL REFERENCES topics(arn) ON DELETE CASCADE,
			owner_id           TEXT NOT NULL,
			protocol           INTEGER NOT NULL,
			endpoint           TEXT NOT NULL,
			confirmed          INTEGER NOT NULL DEFAULT 0,
			confirmation_token TEXT NOT NULL DEFAULT '',
			raw_delivery       INTEGER NOT NULL DEFAULT 0,
			delivery_policy    TEXT,
			created_at         INTEGER NOT NULL,
			UNIQUE (topic_arn, protocol, endpoint)
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_topic_id ON subscriptions(topic_arn, id);
	`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func isConstraint(err error, kind string) bool {
	return err != nil && strings.Contains(err.Error(), kind+" constraint failed")
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func (d *DB) CreateTopic(ctx context.Context, t *domain.Topic) error {
	policy, err := store.EncodeTopicPolicy(t.DeliveryPolicy)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO topics (arn, name, owner_id, delivery_policy, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.Arn, t.Name, t.OwnerID, nullable(policy), t.CreatedAt.UnixMilli())
	if isConstraint(err, "UNIQUE") {
		return fmt.Errorf("%w: topic %s", store.ErrAlreadyExists, t.Arn)
	}
	if err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}
	return nil
}

func (d *DB) GetTopic(ctx context.Context, arn string) (*domain.Topic, error) {
	var (
		t       domain.Topic
		policy  sql.NullString
		created int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT arn, name, owner_id, delivery_policy, created_at FROM topics WHERE arn = ?`, arn).
		Scan(&t.Arn, &t.Name, &t.OwnerID, &policy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTopicNotFound, arn)
	}
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	if t.DeliveryPolicy, err = store.DecodeTopicPolicy(fromNullable(policy)); err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DB) DeleteTopic(ctx context.Context, arn string) error {
	return d.execOne(ctx, domain.ErrTopicNotFound, arn, `DELETE FROM topics WHERE arn = ?`, arn)
}

func (d *DB) SetTopicDeliveryPolicy(ctx context.Context, arn string, p *domain.TopicDeliveryPolicy) error {
	policy, err := store.EncodeTopicPolicy(p)
	if err != nil {
		return err
	}
	return d.execOne(ctx, domain.ErrTopicNotFound, arn,
		`UPDATE topics SET delivery_policy = ? WHERE arn = ?`, nullable(policy), arn)
}

// execOne runs a statement expected to touch exactly one row and reports
// notFound otherwise.
func (d *DB) execOne(ctx context.Context, notFound error, arn, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec on %s: %w", arn, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected on %s: %w", arn, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, arn)
	}
	return nil
}
