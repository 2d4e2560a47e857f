package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lupppig/snsbus/internal/domain"
)

var (
	ErrAlreadyExists = errors.New("already exists")
	ErrTokenMismatch = errors.New("confirmation token does not match")
)

// DefaultPageSize is used when a listing asks for a non-positive page.
const DefaultPageSize = 100

type TopicStore interface {
	CreateTopic(ctx context.Context, t *domain.Topic) error
	// GetTopic returns domain.ErrTopicNotFound for unknown ARNs.
	GetTopic(ctx context.Context, arn string) (*domain.Topic, error)
	// DeleteTopic removes the topic and all of its subscriptions.
	DeleteTopic(ctx context.Context, arn string) error
	SetTopicDeliveryPolicy(ctx context.Context, arn string, p *domain.TopicDeliveryPolicy) error
}

type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s *domain.Subscription) error
	// GetSubscription returns domain.ErrSubscriberNotFound for unknown ARNs.
	GetSubscription(ctx context.Context, arn string) (*domain.Subscription, error)
	FindSubscription(ctx context.Context, topicArn string, p domain.Protocol, endpoint string) (*domain.Subscription, error)
	ConfirmSubscription(ctx context.Context, topicArn, token string) (*domain.Subscription, error)
	DeleteSubscription(ctx context.Context, arn string) error
	SetSubscriptionDeliveryPolicy(ctx context.Context, arn string, p *domain.DeliveryPolicy) error

	// ListSubscriptionsByTopic pages through a topic's subscriptions ordered by
	// id. An empty next token means the listing is complete. It returns
	// domain.ErrTopicNotFound when the topic does not exist.
	ListSubscriptionsByTopic(ctx context.Context, topicArn, pageToken string, pageSize int, confirmedOnly bool) ([]domain.Subscription, string, error)
}

type Store interface {
	TopicStore
	SubscriptionStore
	Close() error
}

// EncodeTopicPolicy renders a topic policy for a text column. nil encodes as
// SQL NULL.
func EncodeTopicPolicy(p *domain.TopicDeliveryPolicy) (*string, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode topic delivery policy: %w", err)
	}
	s := string(data)
	return &s, nil
}

func DecodeTopicPolicy(s *string) (*domain.TopicDeliveryPolicy, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	p, err := domain.ParseTopicDeliveryPolicy([]byte(*s), domain.DefaultRetryPolicy())
	if err != nil {
		return nil, fmt.Errorf("decode topic delivery policy: %w", err)
	}
	return p, nil
}

func EncodeDeliveryPolicy(p *domain.DeliveryPolicy) (*string, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode delivery policy: %w", err)
	}
	s := string(data)
	return &s, nil
}

func DecodeDeliveryPolicy(s *string) (*domain.DeliveryPolicy, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	p, err := domain.ParseDeliveryPolicy([]byte(*s), domain.DefaultRetryPolicy())
	if err != nil {
		return nil, fmt.Errorf("decode delivery policy: %w", err)
	}
	return p, nil
}
