package topics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lupppig/snsbus/internal/domain"
	queuemem "github.com/lupppig/snsbus/internal/queue/memory"
	storemem "github.com/lupppig/snsbus/internal/store/memory"
	"github.com/lupppig/snsbus/internal/transport"
)

type mockSender struct {
	mu         sync.Mutex
	deliveries []transport.Delivery
	err        error
}

func (m *mockSender) Validate(p domain.Protocol, endpoint string) error {
	if endpoint == "" {
		return domain.ErrInvalidParameter
	}
	return nil
}

func (m *mockSender) Send(ctx context.Context, d transport.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	return m.err
}

func (m *mockSender) sent() []transport.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]transport.Delivery(nil), m.deliveries...)
}

type mockCaches struct {
	mu            sync.Mutex
	topics        []string
	topicPolicies []string
	subPolicies   []string
}

func (m *mockCaches) Invalidate(arn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, arn)
}

func (m *mockCaches) InvalidateTopic(arn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topicPolicies = append(m.topicPolicies, arn)
}

func (m *mockCaches) InvalidateSubscription(arn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subPolicies = append(m.subPolicies, arn)
}

type fixture struct {
	svc    *Service
	store  *storemem.Store
	queues *queuemem.Transport
	sender *mockSender
	caches *mockCaches
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	queues := queuemem.New(time.Minute)
	names, err := queues.EnsureQueues(context.Background(), "publish", 2)
	if err != nil {
		t.Fatalf("ensure queues: %v", err)
	}
	f := &fixture{
		store:  storemem.New(),
		queues: queues,
		sender: &mockSender{},
		caches: &mockCaches{},
	}
	f.svc = New(f.store, queues, f.sender, f.caches, f.caches, Options{
		Region:        "local",
		PublishQueues: names,
		DefaultRetry:  domain.DefaultRetryPolicy(),
	})
	return f
}

func TestCreateTopicIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateTopic(ctx, "owner", "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Arn != "arn:snsbus:local:owner:orders" {
		t.Errorf("unexpected arn %s", first.Arn)
	}
	second, err := f.svc.CreateTopic(ctx, "owner", "orders")
	if err != nil {
		t.Fatalf("unexpected error on second create: %v", err)
	}
	if second.Arn != first.Arn {
		t.Errorf("expected same topic, got %s", second.Arn)
	}

	for _, bad := range []string{"", "has space", strings.Repeat("a", 257)} {
		if _, err := f.svc.CreateTopic(ctx, "owner", bad); !errors.Is(err, domain.ErrInvalidParameter) {
			t.Errorf("expected invalid name %q to fail, got %v", bad, err)
		}
	}
}

func TestSubscribeSendsConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic, _ := f.svc.CreateTopic(ctx, "owner", "orders")

	sub, err := f.svc.Subscribe(ctx, SubscribeInput{
		TopicArn: topic.Arn,
		OwnerID:  "other",
		Protocol: "http",
		Endpoint: "http://example.com/hook",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Confirmed {
		t.Fatal("expected subscription to be pending")
	}
	if sub.EffectiveArn() != domain.PendingConfirmation {
		t.Errorf("expected pending arn, got %s", sub.EffectiveArn())
	}

	sent := f.sender.sent()
	if len(sent) != 1 {
		t.Fatalf("expected one confirmation, got %d", len(sent))
	}
	d := sent[0]
	if d.Message.Type != domain.MessageTypeSubscriptionConfirmation {
		t.Errorf("expected confirmation message, got %s", d.Message.Type)
	}
	if d.Token == "" || d.Token == sub.ConfirmationToken {
		t.Error("expected the plain token to be sent and only its hash stored")
	}

	again, err := f.svc.Subscribe(ctx, SubscribeInput{TopicArn: topic.Arn, OwnerID: "other", Protocol: "http", Endpoint: "http://example.com/hook"})
	if err != nil {
		t.Fatalf("unexpected error on resubscribe: %v", err)
	}
	if again.ID != sub.ID {
		t.Errorf("expected resubscribe to return the existing subscription")
	}
	if len(f.sender.sent()) != 1 {
		t.Error("expected no second confirmation")
	}

	if _, err := f.svc.ConfirmSubscription(ctx, topic.Arn, "wrong"); !errors.Is(err, domain.ErrInvalidParameter) {
		t.Errorf("expected invalid token error, got %v", err)
	}
	confirmed, err := f.svc.ConfirmSubscription(ctx, topic.Arn, d.Token)
	if err != nil {
		t.Fatalf("unexpected confirm error: %v", err)
	}
	if !confirmed.Confirmed || confirmed.EffectiveArn() != sub.Arn {
		t.Errorf("expected confirmed subscription with arn %s, got %+v", sub.Arn, confirmed)
	}
	if len(f.caches.topics) == 0 || f.caches.topics[len(f.caches.topics)-1] != topic.Arn {
		t.Error("expected subscriber cache invalidation on confirm")
	}
}

func TestSubscribeSameOwnerQueueAutoConfirms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic, _ := f.svc.CreateTopic(ctx, "owner", "orders")

	sub, err := f.svc.Subscribe(ctx, SubscribeInput{TopicArn: topic.Arn, OwnerID: "owner", Protocol: "sqs", Endpoint: "inbox"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sub.Confirmed {
		t.Error("expected same-owner queue subscription to be confirmed")
	}
	if len(f.sender.sent()) != 0 {
		t.Error("expected no confirmation message")
	}

	other, err := f.svc.Subscribe(ctx, SubscribeInput{TopicArn: topic.Arn, OwnerID: "stranger", Protocol: "sqs", Endpoint: "theirs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other.Confirmed {
		t.Error("expected cross-owner queue subscription to need confirmation")
	}
}

func TestSubscribeRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic, _ := f.svc.CreateTopic(ctx, "owner", "orders")

	tests := []struct {
		name string
		in   SubscribeInput
		want error
	}{
		{"protocol", SubscribeInput{TopicArn: topic.Arn, OwnerID: "o", Protocol: "pigeon", Endpoint: "x"}, domain.ErrInvalidParameter},
		{"endpoint", SubscribeInput{TopicArn: topic.Arn, OwnerID: "o", Protocol: "http"}, domain.ErrInvalidParameter},
		{"topic", SubscribeInput{TopicArn: topic.Arn + "x", OwnerID: "o", Protocol: "http", Endpoint: "x"}, domain.ErrTopicNotFound},
		{"policy", SubscribeInput{TopicArn: topic.Arn, OwnerID: "o", Protocol: "http", Endpoint: "x", DeliveryPolicy: []byte(`{"bogus":1}`)}, domain.ErrInvalidPolicy},
	}
	for _, tt := range tests {
		if _, err := f.svc.Subscribe(ctx, tt.in); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic, _ := f.svc.CreateTopic(ctx, "owner", "orders")
	sub, _ := f.svc.Subscribe(ctx, SubscribeInput{TopicArn: topic.Arn, OwnerID: "owner", Protocol: "sqs", Endpoint: "inbox"})

	if err := f.svc.Unsubscribe(ctx, sub.Arn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := f.sender.sent()
	if len(sent) != 1 || sent[0].Message.Type != domain.MessageTypeUnsubscribeConfirmation {
		t.Errorf("expected one unsubscribe confirmation, got %d", len(sent))
	}
	if len(f.caches.subPolicies) != 1 || f.caches.subPolicies[0] != sub.Arn {
		t.Error("expected subscription policy invalidation")
	}
	if err := f.svc.Unsubscribe(ctx, sub.Arn); !errors.Is(err, domain.ErrSubscriberNotFound) {
		t.Errorf("expected not found on second unsubscribe, got %v", err)
	}
}

func TestUnsubscribeNoticeFailureIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic, _ := f.svc.CreateTopic(ctx, "owner", "orders")
	sub, _ := f.svc.Subscribe(ctx, SubscribeInput{TopicArn: topic.Arn, OwnerID: "owner", Protocol: "sqs", Endpoint: "inbox"})
	f.sender.err = errors.New("endpoint down")

	if err := f.svc.Unsubscribe(ctx, sub.Arn); err != nil {
		t.Errorf("expected best-effort notice, got %v", err)
	}
}

func TestDeliveryPolicies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic, _ := f.svc.CreateTopic(ctx, "owner", "orders")

	tp, err := f.svc.SetTopicDeliveryPolicy(ctx, topic.Arn, []byte(`{"http":{"defaultHealthyRetryPolicy":{"numRetries":5,"minDelayTarget":1,"maxDelayTarget":10},"disableSubscriptionOverrides":true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp.Healthy.NumRetries != 5 || !tp.DisableSubscriptionOverrides {
		t.Errorf("unexpected topic policy %+v", tp)
	}
	if len(f.caches.topicPolicies) != 1 {
		t.Error("expected topic policy invalidation")
	}

	sub, _ := f.svc.Subscribe(ctx, SubscribeInput{TopicArn: topic.Arn, OwnerID: "owner", Protocol: "sqs", Endpoint: "inbox"})
	sp, err := f.svc.SetSubscriptionDeliveryPolicy(ctx, sub.Arn, []byte(`{"throttlePolicy":{"maxReceivesPerSecond":3}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sp.Throttle.Throttled() {
		t.Error("expected throttle policy")
	}
	stored, _ := f.store.GetSubscription(ctx, sub.Arn)
	if stored.DeliveryPolicy == nil || stored.DeliveryPolicy.Throttle.MaxReceivesPerSecond != 3 {
		t.Error("expected policy to be persisted")
	}

	if _, err := f.svc.SetSubscriptionDeliveryPolicy(ctx, sub.Arn, []byte(`{"healthyRetryPolicy":{"numRetries":500}}`)); !errors.Is(err, domain.ErrInvalidPolicy) {
		t.Errorf("expected invalid policy, got %v", err)
	}
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic, _ := f.svc.CreateTopic(ctx, "owner", "orders")
	f.svc.pick = func(int) int { return 1 }

	id, err := f.svc.Publish(ctx, PublishInput{TopicArn: topic.Arn, UserID: "owner", Message: "line1\nline2", Subject: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, err := f.queues.Receive(ctx, "publish-1", 0)
	if err != nil || m == nil {
		t.Fatalf("expected message on publish-1, got %v %v", m, err)
	}
	msg, err := domain.ParseMessage(m.Body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.MessageID != id || msg.Body != "line1\nline2" || msg.Subject != "hi" {
		t.Errorf("unexpected message %+v", msg)
	}
	if visible, _ := f.queues.Depth("publish-0"); visible != 0 {
		t.Errorf("expected publish-0 empty, got %d", visible)
	}
}

func TestPublishRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic, _ := f.svc.CreateTopic(ctx, "owner", "orders")

	tests := []struct {
		name string
		in   PublishInput
		want error
	}{
		{"empty", PublishInput{TopicArn: topic.Arn, UserID: "owner"}, domain.ErrInvalidParameter},
		{"too long", PublishInput{TopicArn: topic.Arn, UserID: "owner", Message: strings.Repeat("x", domain.DefaultMaxMessageBytes+1)}, domain.ErrMessageTooLong},
		{"structure", PublishInput{TopicArn: topic.Arn, UserID: "owner", Message: `{"http":"x"}`, MessageStructure: "json"}, domain.ErrMalformedStructure},
		{"topic", PublishInput{TopicArn: topic.Arn + "x", UserID: "owner", Message: "hi"}, domain.ErrTopicNotFound},
	}
	for _, tt := range tests {
		if _, err := f.svc.Publish(ctx, tt.in); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
	for _, name := range []string{"publish-0", "publish-1"} {
		if visible, _ := f.queues.Depth(name); visible != 0 {
			t.Errorf("expected nothing enqueued on %s, got %d", name, visible)
		}
	}
}

func TestDeleteTopicInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic, _ := f.svc.CreateTopic(ctx, "owner", "orders")

	if err := f.svc.DeleteTopic(ctx, topic.Arn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.caches.topics) != 1 || len(f.caches.topicPolicies) != 1 {
		t.Error("expected both caches invalidated")
	}
	if _, err := f.svc.GetTopic(ctx, topic.Arn); !errors.Is(err, domain.ErrTopicNotFound) {
		t.Errorf("expected topic not found, got %v", err)
	}
}
