package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/store"
)

func (db *DB) CreateTopic(ctx context.Context, t *domain.Topic) error {
	policy, err := store.EncodeTopicPolicy(t.DeliveryPolicy)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO topics (arn, name, owner_id, delivery_policy, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = db.Pool.Exec(ctx, query,
		t.Arn,
		t.Name,
		t.OwnerID,
		policy,
		t.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: topic %s", store.ErrAlreadyExists, t.Arn)
		}
		return fmt.Errorf("failed to create topic: %w", err)
	}

	return nil
}

func (db *DB) GetTopic(ctx context.Context, arn string) (*domain.Topic, error) {
	query := `
		SELECT arn, name, owner_id, delivery_policy, created_at
		FROM topics
		WHERE arn = $1
	`
	var (
		t      domain.Topic
		policy *string
	)
	err := db.Pool.QueryRow(ctx, query, arn).Scan(
		&t.Arn,
		&t.Name,
		&t.OwnerID,
		&policy,
		&t.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTopicNotFound, arn)
	}
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	if t.DeliveryPolicy, err = store.DecodeTopicPolicy(policy); err != nil {
		return nil, err
	}
	return &t, nil
}

func (db *DB) DeleteTopic(ctx context.Context, arn string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM topics WHERE arn = $1`, arn)
	if err != nil {
		return fmt.Errorf("delete topic %s: %w", arn, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTopicNotFound, arn)
	}
	return nil
}

func (db *DB) SetTopicDeliveryPolicy(ctx context.Context, arn string, p *domain.TopicDeliveryPolicy) error {
	policy, err := store.EncodeTopicPolicy(p)
	if err != nil {
		return err
	}
	tag, err := db.Pool.Exec(ctx, `UPDATE topics SET delivery_policy = $1 WHERE arn = $2`, policy, arn)
	if err != nil {
		return fmt.Errorf("set topic delivery policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTopicNotFound, arn)
	}
	return nil
}
