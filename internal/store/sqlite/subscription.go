package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/store"
)

const subscriptionColumns = `id, arn, topic_arn, owner_id, protocol, endpoint, confirmed,
	confirmation_token, raw_delivery, delivery_policy, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		sub      domain.Subscription
		protocol int
		policy   sql.NullString
		created  int64
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
		&created,
	)
	if err != nil {
		return nil, err
	}
	sub.CreatedAt = time.UnixMilli(created).UTC()
	if sub.Protocol, err = domain.ProtocolFromOrdinal(protocol); err != nil {
		return nil, err
	}
	if sub.DeliveryPolicy, err = store.DecodeDeliveryPolicy(fromNullable(policy)); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (d *DB) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	policy, err := store.EncodeDeliveryPolicy(sub.DeliveryPolicy)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, arn, topic_arn, owner_id, protocol, endpoint, confirmed,
			confirmation_token, raw_delivery, delivery_policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Arn, sub.TopicArn, sub.OwnerID, int(sub.Protocol), sub.Endpoint, sub.Confirmed,
		sub.ConfirmationToken, sub.RawDelivery, nullable(policy), sub.CreatedAt.UnixMilli())
	switch {
	case isConstraint(err, "UNIQUE"):
		return fmt.Errorf("%w: subscription for %s %s", store.ErrAlreadyExists, sub.Protocol, sub.Endpoint)
	case isConstraint(err, "FOREIGN KEY"):
		return fmt.Errorf("%w: %s", domain.ErrTopicNotFound, sub.TopicArn)
	case err != nil:
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (d *DB) GetSubscription(ctx context.Context, arn string) (*domain.Subscription, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE arn = ?`, arn)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubscriberNotFound, arn)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (d *DB) FindSubscription(ctx context.Context, topicArn string, p domain.Protocol, endpoint string) (*domain.Subscription, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE topic_arn = ? AND protocol = ? AND endpoint = ?`, topicArn, int(p), endpoint)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		if err := d.topicExists(ctx, topicArn); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s", domain.ErrSubscriberNotFound, p, endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("find subscription: %w", err)
	}
	return sub, nil
}

func (d *DB) ConfirmSubscription(ctx context.Context, topicArn, token string) (*domain.Subscription, error) {
	if err := d.topicExists(ctx, topicArn); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, store.ErrTokenMismatch
	}
	row := d.db.QueryRowContext(ctx, `UPDATE subscriptions SET confirmed = 1
		WHERE topic_arn = ? AND confirmation_token = ?
		RETURNING `+subscriptionColumns, topicArn, token)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTokenMismatch
	}
	if err != nil {
		return nil, fmt.Errorf("confirm subscription: %w", err)
	}
	return sub, nil
}

func (d *DB) DeleteSubscription(ctx context.Context, arn string) error {
	return d.execOne(ctx, domain.ErrSubscriberNotFound, arn, `DELETE FROM subscriptions WHERE arn = ?`, arn)
}

func (d *DB) SetSubscriptionDeliveryPolicy(ctx context.Context, arn string, p *domain.DeliveryPolicy) error {
	policy, err := store.EncodeDeliveryPolicy(p)
	if err != nil {
		return err
	}
	return d.execOne(ctx, domain.ErrSubscriberNotFound, arn,
		`UPDATE subscriptions SET delivery_policy = ? WHERE arn = ?`, nullable(policy), arn)
}

func (d *DB) ListSubscriptionsByTopic(ctx context.Context, topicArn, pageToken string, pageSize int, confirmedOnly bool) ([]domain.Subscription, string, error) {
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}
	if err := d.topicExists(ctx, topicArn); err != nil {
		return nil, "", err
	}

	rows, err := d.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE topic_arn = ? AND id > ? AND (? = 0 OR confirmed = 1)
		ORDER BY id
		LIMIT ?`, topicArn, pageToken, confirmedOnly, pageSize+1)
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

func (d *DB) topicExists(ctx context.Context, arn string) error {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM topics WHERE arn = ?`, arn).Scan(&n); err != nil {
		return fmt.Errorf("check topic: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTopicNotFound, arn)
	}
	return nil
}
