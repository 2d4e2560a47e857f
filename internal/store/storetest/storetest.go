// Package storetest runs one behavioral suite against every store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/store"
)

// Run exercises s. newStore must return an empty, migrated store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"TopicLifecycle", testTopicLifecycle},
		{"TopicPolicy", testTopicPolicy},
		{"SubscriptionLifecycle", testSubscriptionLifecycle},
		{"ConfirmSubscription", testConfirmSubscription},
		{"DuplicateSubscription", testDuplicateSubscription},
		{"ListPaging", testListPaging},
		{"ListUnknownTopic", testListUnknownTopic},
		{"DeleteTopicCascades", testDeleteTopicCascades},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

const owner = "owner-1"

func newTopic(name string) *domain.Topic {
	return &domain.Topic{
		Arn:       domain.TopicArn("test", owner, name),
		Name:      name,
		OwnerID:   owner,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newSubscription(topicArn, id, endpoint string, confirmed bool) *domain.Subscription {
	sub := &domain.Subscription{
		ID:        id,
		Arn:       domain.SubscriptionArn(topicArn, id),
		TopicArn:  topicArn,
		OwnerID:   owner,
		Protocol:  domain.ProtocolHTTP,
		Endpoint:  endpoint,
		Confirmed: confirmed,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if !confirmed {
		sub.ConfirmationToken = "token-" + id
	}
	return sub
}

func mustCreateTopic(t *testing.T, s store.Store, name string) *domain.Topic {
	t.Helper()
	topic := newTopic(name)
	if err := s.CreateTopic(context.Background(), topic); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	return topic
}

func testTopicLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	topic := mustCreateTopic(t, s, "orders")

	if err := s.CreateTopic(ctx, newTopic("orders")); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.GetTopic(ctx, topic.Arn)
	if err != nil {
		t.Fatalf("get topic: %v", err)
	}
	if got.Name != "orders" || got.OwnerID != owner || got.DeliveryPolicy != nil {
		t.Errorf("unexpected topic %+v", got)
	}

	if err := s.DeleteTopic(ctx, topic.Arn); err != nil {
		t.Fatalf("delete topic: %v", err)
	}
	if _, err := s.GetTopic(ctx, topic.Arn); !errors.Is(err, domain.ErrTopicNotFound) {
		t.Errorf("expected ErrTopicNotFound, got %v", err)
	}
	if err := s.DeleteTopic(ctx, topic.Arn); !errors.Is(err, domain.ErrTopicNotFound) {
		t.Errorf("expected ErrTopicNotFound on second delete, got %v", err)
	}
}

func testTopicPolicy(t *testing.T, s store.Store) {
	ctx := context.Background()
	topic := mustCreateTopic(t, s, "policies")

	policy := &domain.TopicDeliveryPolicy{
		DeliveryPolicy: domain.DeliveryPolicy{
			Healthy: domain.RetryPolicy{
				MinDelayTarget:    5,
				MaxDelayTarget:    60,
				NumRetries:        10,
				NumNoDelayRetries: 2,
				BackoffFunction:   domain.BackoffExponential,
			},
			Throttle: &domain.ThrottlePolicy{MaxReceivesPerSecond: 3},
		},
		DisableSubscriptionOverrides: true,
	}
	if err := s.SetTopicDeliveryPolicy(ctx, topic.Arn, policy); err != nil {
		t.Fatalf("set topic policy: %v", err)
	}
	got, err := s.GetTopic(ctx, topic.Arn)
	if err != nil {
		t.Fatalf("get topic: %v", err)
	}
	if got.DeliveryPolicy == nil {
		t.Fatal("expected a delivery policy")
	}
	if got.DeliveryPolicy.Healthy != policy.Healthy {
		t.Errorf("expected healthy policy %+v, got %+v", policy.Healthy, got.DeliveryPolicy.Healthy)
	}
	if !got.DeliveryPolicy.DisableSubscriptionOverrides {
		t.Error("expected overrides to be disabled")
	}
	if !got.DeliveryPolicy.Throttle.Throttled() || got.DeliveryPolicy.Throttle.MaxReceivesPerSecond != 3 {
		t.Errorf("unexpected throttle %+v", got.DeliveryPolicy.Throttle)
	}

	if err := s.SetTopicDeliveryPolicy(ctx, "arn:missing", policy); !errors.Is(err, domain.ErrTopicNotFound) {
		t.Errorf("expected ErrTopicNotFound, got %v", err)
	}
}

func testSubscriptionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	topic := mustCreateTopic(t, s, "subs")
	sub := newSubscription(topic.Arn, "s1", "http://a.example/hook", true)
	sub.RawDelivery = true

	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	got, err := s.GetSubscription(ctx, sub.Arn)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if got.Endpoint != sub.Endpoint || got.Protocol != domain.ProtocolHTTP || !got.RawDelivery || !got.Confirmed {
		t.Errorf("unexpected subscription %+v", got)
	}

	found, err := s.FindSubscription(ctx, topic.Arn, domain.ProtocolHTTP, sub.Endpoint)
	if err != nil || found.Arn != sub.Arn {
		t.Errorf("expected to find %s, got %v, %v", sub.Arn, found, err)
	}
	if _, err := s.FindSubscription(ctx, topic.Arn, domain.ProtocolHTTPS, sub.Endpoint); !errors.Is(err, domain.ErrSubscriberNotFound) {
		t.Errorf("expected ErrSubscriberNotFound, got %v", err)
	}

	policy := &domain.DeliveryPolicy{Healthy: domain.RetryPolicy{
		MinDelayTarget: 1, MaxDelayTarget: 2, NumRetries: 4, BackoffFunction: domain.BackoffGeometric,
	}}
	if err := s.SetSubscriptionDeliveryPolicy(ctx, sub.Arn, policy); err != nil {
		t.Fatalf("set subscription policy: %v", err)
	}
	got, _ = s.GetSubscription(ctx, sub.Arn)
	if got.DeliveryPolicy == nil || got.DeliveryPolicy.Healthy != policy.Healthy {
		t.Errorf("expected policy %+v, got %+v", policy, got.DeliveryPolicy)
	}

	if err := s.DeleteSubscription(ctx, sub.Arn); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
	if _, err := s.GetSubscription(ctx, sub.Arn); !errors.Is(err, domain.ErrSubscriberNotFound) {
		t.Errorf("expected ErrSubscriberNotFound, got %v", err)
	}
	if err := s.DeleteSubscription(ctx, sub.Arn); !errors.Is(err, domain.ErrSubscriberNotFound) {
		t.Errorf("expected ErrSubscriberNotFound on second delete, got %v", err)
	}
}

func testConfirmSubscription(t *testing.T, s store.Store) {
	ctx := context.Background()
	topic := mustCreateTopic(t, s, "confirm")
	sub := newSubscription(topic.Arn, "s1", "http://a.example/hook", false)
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	if _, err := s.ConfirmSubscription(ctx, topic.Arn, "wrong"); !errors.Is(err, store.ErrTokenMismatch) {
		t.Errorf("expected ErrTokenMismatch, got %v", err)
	}
	if _, err := s.ConfirmSubscription(ctx, "arn:missing", sub.ConfirmationToken); !errors.Is(err, domain.ErrTopicNotFound) {
		t.Errorf("expected ErrTopicNotFound, got %v", err)
	}

	confirmed, err := s.ConfirmSubscription(ctx, topic.Arn, sub.ConfirmationToken)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirmed.Confirmed || confirmed.EffectiveArn() != sub.Arn {
		t.Errorf("expected confirmed subscription with arn %s, got %+v", sub.Arn, confirmed)
	}
}

func testDuplicateSubscription(t *testing.T, s store.Store) {
	ctx := context.Background()
	topic := mustCreateTopic(t, s, "dupes")
	if err := s.CreateSubscription(ctx, newSubscription(topic.Arn, "s1", "http://a.example", true)); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	err := s.CreateSubscription(ctx, newSubscription(topic.Arn, "s2", "http://a.example", true))
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	err = s.CreateSubscription(ctx, newSubscription("arn:missing", "s3", "http://b.example", true))
	if !errors.Is(err, domain.ErrTopicNotFound) {
		t.Errorf("expected ErrTopicNotFound, got %v", err)
	}
}

func testListPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	topic := mustCreateTopic(t, s, "paging")
	for i := 0; i < 25; i++ {
		confirmed := i%5 != 0 // 5 pending
		sub := newSubscription(topic.Arn, fmt.Sprintf("s%03d", i), fmt.Sprintf("http://h%d.example", i), confirmed)
		if err := s.CreateSubscription(ctx, sub); err != nil {
			t.Fatalf("create subscription %d: %v", i, err)
		}
	}

	collect := func(confirmedOnly bool, pageSize int) ([]domain.Subscription, int) {
		var (
			all   []domain.Subscription
			token string
			pages int
		)
		for {
			page, next, err := s.ListSubscriptionsByTopic(ctx, topic.Arn, token, pageSize, confirmedOnly)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(page) > pageSize {
				t.Fatalf("page of %d exceeds page size %d", len(page), pageSize)
			}
			pages++
			all = append(all, page...)
			if next == "" {
				return all, pages
			}
			token = next
		}
	}

	all, pages := collect(false, 10)
	if len(all) != 25 || pages != 3 {
		t.Errorf("expected 25 subscriptions over 3 pages, got %d over %d", len(all), pages)
	}
	seen := make(map[string]bool)
	pending := 0
	for i, sub := range all {
		if seen[sub.ID] {
			t.Errorf("duplicate subscription %s", sub.ID)
		}
		seen[sub.ID] = true
		if i > 0 && all[i-1].ID >= sub.ID {
			t.Errorf("listing not ordered at %d", i)
		}
		if sub.EffectiveArn() == domain.PendingConfirmation {
			pending++
		}
	}
	if pending != 5 {
		t.Errorf("expected 5 pending subscriptions, got %d", pending)
	}

	confirmed, _ := collect(true, 7)
	if len(confirmed) != 20 {
		t.Errorf("expected 20 confirmed subscriptions, got %d", len(confirmed))
	}
}

func testListUnknownTopic(t *testing.T, s store.Store) {
	_, _, err := s.ListSubscriptionsByTopic(context.Background(), "arn:missing", "", 10, true)
	if !errors.Is(err, domain.ErrTopicNotFound) {
		t.Errorf("expected ErrTopicNotFound, got %v", err)
	}
}

func testDeleteTopicCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	topic := mustCreateTopic(t, s, "cascade")
	sub := newSubscription(topic.Arn, "s1", "http://a.example", true)
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if err := s.DeleteTopic(ctx, topic.Arn); err != nil {
		t.Fatalf("delete topic: %v", err)
	}
	if _, err := s.GetSubscription(ctx, sub.Arn); !errors.Is(err, domain.ErrSubscriberNotFound) {
		t.Errorf("expected subscription to be deleted with its topic, got %v", err)
	}
}
