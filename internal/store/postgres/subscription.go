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

const subscriptionColumns = `id, arn, topic_arn, owner_id, protocol, endpoint, confirmed,
	COALESCE(confirmation_token, ''), raw_delivery, delivery_policy, created_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub      domain.Subscription
		protocol int
		policy   *string
	)
	err := row.Scan(
		&sub.ID,
		&sub.Arn,
		&sub.TopicArn,
		&sub.OwnerID,
		&protocol,
		&sub.Endpoint,
		&sub.Confirmed,
		&sub.ConfirmationToken,
		&sub.RawDelivery,
		&policy,
		&sub.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sub.Protocol, err = domain.ProtocolFromOrdinal(protocol); err != nil {
		return nil, err
	}
	if sub.DeliveryPolicy, err = store.DecodeDeliveryPolicy(policy); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (db *DB) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	policy, err := store.EncodeDeliveryPolicy(sub.DeliveryPolicy)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions (id, arn, topic_arn, owner_id, protocol, endpoint, confirmed,
			confirmation_token, raw_delivery, delivery_policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)
	`

	_, err = db.Pool.Exec(ctx, query,
		sub.ID,
		sub.Arn,
		sub.TopicArn,
		sub.OwnerID,
		int(sub.Protocol),
		sub.Endpoint,
		sub.Confirmed,
		sub.ConfirmationToken,
		sub.RawDelivery,
		policy,
		sub.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return fmt.Errorf("%w: subscription for %s %s", store.ErrAlreadyExists, sub.Protocol, sub.Endpoint)
			case "23503":
				return fmt.Errorf("%w: %s", domain.ErrTopicNotFound, sub.TopicArn)
			}
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

func (db *DB) GetSubscription(ctx context.Context, arn string) (*domain.Subscription, error) {
	row := db.Pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE arn = $1`, arn)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubscriberNotFound, arn)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (db *DB) FindSubscription(ctx context.Context, topicArn string, p domain.Protocol, endpoint string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE topic_arn = $1 AND protocol = $2 AND endpoint = $3`
	sub, err := scanSubscription(db.Pool.QueryRow(ctx, query, topicArn, int(p), endpoint))
	if errors.Is(err, pgx.ErrNoRows) {
		if err := db.topicExists(ctx, topicArn); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s", domain.ErrSubscriberNotFound, p, endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return sub, nil
}

func (db *DB) ConfirmSubscription(ctx context.Context, topicArn, token string) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions SET confirmed = TRUE
		WHERE topic_arn = $1 AND confirmation_token = $2
		RETURNING ` + subscriptionColumns
	sub, err := scanSubscription(db.Pool.QueryRow(ctx, query, topicArn, token))
	if errors.Is(err, pgx.ErrNoRows) {
		if err := db.topicExists(ctx, topicArn); err != nil {
			return nil, err
		}
		return nil, store.ErrTokenMismatch
	}
	if err != nil {
		return nil, fmt.Errorf("confirm subscription: %w", err)
	}
	return sub, nil
}

func (db *DB) DeleteSubscription(ctx context.Context, arn string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM subscriptions WHERE arn = $1`, arn)
	if err != nil {
		return fmt.Errorf("delete subscription %s: %w", arn, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSubscriberNotFound, arn)
	}
	return nil
}

func (db *DB) SetSubscriptionDeliveryPolicy(ctx context.Context, arn string, p *domain.DeliveryPolicy) error {
	policy, err := store.EncodeDeliveryPolicy(p)
	if err != nil {
		return err
	}
	tag, err := db.Pool.Exec(ctx, `UPDATE subscriptions SET delivery_policy = $1 WHERE arn = $2`, policy, arn)
	if err != nil {
		return fmt.Errorf("set subscription delivery policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSubscriberNotFound, arn)
	}
	return nil
}

func (db *DB) ListSubscriptionsByTopic(ctx context.Context, topicArn, pageToken string, pageSize int, confirmedOnly bool) ([]domain.Subscription, string, error) {
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}
	if err := db.topicExists(ctx, topicArn); err != nil {
		return nil, "", err
	}

	// one extra row tells whether another page follows
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE topic_arn = $1 AND id > $2 AND ($3 = FALSE OR confirmed)
		ORDER BY id
		LIMIT $4`
	rows, err := db.Pool.Query(ctx, query, topicArn, pageToken, confirmedOnly, pageSize+1)
	if err != nil {
		return nil, "", fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make([]domain.Subscription, 0, pageSize)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate subscriptions: %w", err)
	}

	if len(subs) > pageSize {
		subs = subs[:pageSize]
		return subs, subs[pageSize-1].ID, nil
	}
	return subs, "", nil
}

func (db *DB) topicExists(ctx context.Context, arn string) error {
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM topics WHERE arn = $1)`, arn).Scan(&exists); err != nil {
		return fmt.Errorf("check topic: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrTopicNotFound, arn)
	}
	return nil
}
