// Package topics is the front door of the bus: topic and subscription
// management and publishing onto the partitioned publish queues.
package topics

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/logging"
	"github.com/lupppig/snsbus/internal/security"
	"github.com/lupppig/snsbus/internal/store"
	"github.com/lupppig/snsbus/internal/transport"
)

var topicName = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)

type Store interface {
	store.TopicStore
	store.SubscriptionStore
}

// QueueSender enqueues onto a named queue.
type QueueSender interface {
	Send(ctx context.Context, queue, body string) (string, error)
}

// Sender delivers confirmation messages to a subscriber.
type Sender interface {
	Validate(p domain.Protocol, endpoint string) error
	Send(ctx context.Context, d transport.Delivery) error
}

type SubscriberCache interface {
	Invalidate(topicArn string)
}

type PolicyCache interface {
	InvalidateTopic(arn string)
	InvalidateSubscription(arn string)
}

type Options struct {
	Region        string
	PublishQueues []string
	// MaxMessageBytes <= 0 selects domain.DefaultMaxMessageBytes.
	MaxMessageBytes int
	DefaultRetry    domain.RetryPolicy
}

type Service struct {
	store    Store
	queues   QueueSender
	sender   Sender
	subs     SubscriberCache
	policies PolicyCache
	opts     Options
	pick     func(n int) int
}

func New(st Store, queues QueueSender, sender Sender, subs SubscriberCache, policies PolicyCache, opts Options) *Service {
	return &Service{
		store:    st,
		queues:   queues,
		sender:   sender,
		subs:     subs,
		policies: policies,
		opts:     opts,
		pick:     rand.IntN,
	}
}

func invalidParameter(format string, args ...any) error {
	return &domain.ClientError{
		Code:    domain.CodeInvalidParameter,
		Message: fmt.Sprintf(format, args...),
		Err:     domain.ErrInvalidParameter,
	}
}

// CreateTopic is idempotent: creating an existing topic returns it.
func (s *Service) CreateTopic(ctx context.Context, ownerID, name string) (*domain.Topic, error) {
	if ownerID == "" || strings.ContainsAny(ownerID, ":\r\n") {
		return nil, invalidParameter("invalid owner id %q", ownerID)
	}
	if !topicName.MatchString(name) {
		return nil, invalidParameter("Topic Name must be 1 to 256 alphanumeric, hyphen or underscore characters")
	}

	topic := &domain.Topic{
		Arn:     domain.TopicArn(s.opts.Region, ownerID, name),
		Name:    name,
		OwnerID: ownerID,
	}
	err := s.store.CreateTopic(ctx, topic)
	if errors.Is(err, store.ErrAlreadyExists) {
		return s.store.GetTopic(ctx, topic.Arn)
	}
	if err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}

	logging.FromContext(ctx).Info("topic created", "code", "TOPIC_CREATED", "topic_arn", topic.Arn)
	return topic, nil
}

// DeleteTopic removes the topic and its subscriptions. Jobs already queued
// for it fail their lookup and are dropped by the workers.
func (s *Service) DeleteTopic(ctx context.Context, arn string) error {
	if err := s.store.DeleteTopic(ctx, arn); err != nil {
		return err
	}
	s.subs.Invalidate(arn)
	s.policies.InvalidateTopic(arn)

	logging.FromContext(ctx).Info("topic deleted", "code", "TOPIC_DELETED", "topic_arn", arn)
	return nil
}

func (s *Service) GetTopic(ctx context.Context, arn string) (*domain.Topic, error) {
	return s.store.GetTopic(ctx, arn)
}

func (s *Service) SetTopicDeliveryPolicy(ctx context.Context, arn string, raw []byte) (*domain.TopicDeliveryPolicy, error) {
	policy, err := domain.ParseTopicDeliveryPolicy(raw, s.opts.DefaultRetry)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetTopicDeliveryPolicy(ctx, arn, policy); err != nil {
		return nil, err
	}
	s.policies.InvalidateTopic(arn)
	return policy, nil
}

type SubscribeInput struct {
	TopicArn    string
	OwnerID     string
	Protocol    string
	Endpoint    string
	RawDelivery bool
	// DeliveryPolicy is an optional subscription delivery policy document.
	DeliveryPolicy []byte
}

// Subscribe registers an endpoint on a topic. Subscribing the same endpoint
// twice returns the existing subscription. A queue owned by the topic owner
// is confirmed at once; every other endpoint is sent a confirmation token.
func (s *Service) Subscribe(ctx context.Context, in SubscribeInput) (*domain.Subscription, error) {
	p, err := domain.ParseProtocol(in.Protocol)
	if err != nil {
		return nil, invalidParameter("Invalid parameter: Protocol %q", in.Protocol)
	}
	if in.OwnerID == "" {
		return nil, invalidParameter("owner id is required")
	}
	if err := s.sender.Validate(p, in.Endpoint); err != nil {
		return nil, err
	}
	topic, err := s.store.GetTopic(ctx, in.TopicArn)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.FindSubscription(ctx, in.TopicArn, p, in.Endpoint)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrSubscriberNotFound) {
		return nil, err
	}

	var policy *domain.DeliveryPolicy
	if len(in.DeliveryPolicy) > 0 {
		if policy, err = domain.ParseDeliveryPolicy(in.DeliveryPolicy, s.opts.DefaultRetry); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	sub := &domain.Subscription{
		ID:             id,
		Arn:            domain.SubscriptionArn(in.TopicArn, id),
		TopicArn:       in.TopicArn,
		OwnerID:        in.OwnerID,
		Protocol:       p,
		Endpoint:       in.Endpoint,
		RawDelivery:    in.RawDelivery,
		DeliveryPolicy: policy,
	}

	var token string
	if p == domain.ProtocolSQS && in.OwnerID == topic.OwnerID {
		sub.Confirmed = true
	} else {
		if token, err = security.GenerateToken(); err != nil {
			return nil, fmt.Errorf("generate confirmation token: %w", err)
		}
		sub.ConfirmationToken = security.HashToken(token)
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return s.store.FindSubscription(ctx, in.TopicArn, p, in.Endpoint)
		}
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	ctx = logging.WithSubscription(ctx, sub.Arn)
	log := logging.FromContext(ctx)
	if sub.Confirmed {
		s.subs.Invalidate(in.TopicArn)
		log.Info("subscription auto-confirmed", "code", "SUB_CONFIRMED", "protocol", p.String())
		return sub, nil
	}

	log.Info("subscription pending confirmation", "code", "SUB_PENDING", "protocol", p.String())
	s.sendConfirmation(ctx, sub, token, in.OwnerID)
	return sub, nil
}

// sendConfirmation delivers the token once. A lost confirmation is recovered
// by subscribing again.
func (s *Service) sendConfirmation(ctx context.Context, sub *domain.Subscription, token, userID string) {
	msg := domain.NewMessage(sub.TopicArn, userID, fmt.Sprintf(
		"You have chosen to subscribe to the topic %s.\nTo confirm the subscription, visit the SubscribeURL included in this message.",
		sub.TopicArn))
	msg.Type = domain.MessageTypeSubscriptionConfirmation

	info := sub.Info()
	info.RawDelivery = false
	err := s.sender.Send(ctx, transport.Delivery{Message: msg, Subscriber: info, Token: token})
	if err != nil {
		logging.FromContext(ctx).Warn("confirmation delivery failed", "code", "SUB_CONFIRM_FAILED", "error", err)
	}
}

// ConfirmSubscription completes the token exchange. It is idempotent for
// an already confirmed subscription.
func (s *Service) ConfirmSubscription(ctx context.Context, topicArn, token string) (*domain.Subscription, error) {
	if token == "" {
		return nil, invalidParameter("Token is required")
	}
	sub, err := s.store.ConfirmSubscription(ctx, topicArn, security.HashToken(token))
	if errors.Is(err, store.ErrTokenMismatch) {
		return nil, invalidParameter("Invalid token")
	}
	if err != nil {
		return nil, err
	}
	s.subs.Invalidate(topicArn)

	logging.FromContext(logging.WithSubscription(ctx, sub.Arn)).Info("subscription confirmed", "code", "SUB_CONFIRMED")
	return sub, nil
}

// Unsubscribe deletes the subscription and, for confirmed ones, sends an
// UnsubscribeConfirmation on a best-effort basis.
func (s *Service) Unsubscribe(ctx context.Context, subscriptionArn string) error {
	sub, err := s.store.GetSubscription(ctx, subscriptionArn)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSubscription(ctx, subscriptionArn); err != nil {
		return err
	}
	s.subs.Invalidate(sub.TopicArn)
	s.policies.InvalidateSubscription(subscriptionArn)

	ctx = logging.WithSubscription(ctx, subscriptionArn)
	logging.FromContext(ctx).Info("subscription deleted", "code", "SUB_DELETED")

	if !sub.Confirmed {
		return nil
	}
	msg := domain.NewMessage(sub.TopicArn, sub.OwnerID, fmt.Sprintf(
		"You have chosen to deactivate subscription %s.", subscriptionArn))
	msg.Type = domain.MessageTypeUnsubscribeConfirmation
	if err := s.sender.Send(ctx, transport.Delivery{Message: msg, Subscriber: sub.Info()}); err != nil {
		logging.FromContext(ctx).Warn("unsubscribe confirmation failed", "code", "SUB_UNSUB_NOTICE_FAILED", "error", err)
	}
	return nil
}

func (s *Service) SetSubscriptionDeliveryPolicy(ctx context.Context, subscriptionArn string, raw []byte) (*domain.DeliveryPolicy, error) {
	policy, err := domain.ParseDeliveryPolicy(raw, s.opts.DefaultRetry)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetSubscriptionDeliveryPolicy(ctx, subscriptionArn, policy); err != nil {
		return nil, err
	}
	s.policies.InvalidateSubscription(subscriptionArn)
	return policy, nil
}

// ListSubscriptions returns one page of a topic's subscriptions, pending
// ones included.
func (s *Service) ListSubscriptions(ctx context.Context, topicArn, pageToken string) ([]domain.Subscription, string, error) {
	return s.store.ListSubscriptionsByTopic(ctx, topicArn, pageToken, store.DefaultPageSize, false)
}

type PublishInput struct {
	TopicArn         string
	UserID           string
	Message          string
	Subject          string
	MessageStructure string
}

// Publish validates the message and sends it to a uniformly random publish
// partition. Failures after this point are invisible to the publisher.
func (s *Service) Publish(ctx context.Context, in PublishInput) (string, error) {
	structure, err := domain.ParseMessageStructure(in.MessageStructure)
	if err != nil {
		return "", err
	}
	msg := domain.NewMessage(in.TopicArn, in.UserID, in.Message)
	msg.Subject = in.Subject
	msg.Structure = structure
	if err := msg.Validate(s.opts.MaxMessageBytes); err != nil {
		return "", err
	}
	if _, err := s.store.GetTopic(ctx, in.TopicArn); err != nil {
		return "", err
	}
	if len(s.opts.PublishQueues) == 0 {
		return "", errors.New("no publish queues configured")
	}

	name := s.opts.PublishQueues[s.pick(len(s.opts.PublishQueues))]
	if _, err := s.queues.Send(ctx, name, msg.Serialize()); err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", name, err)
	}

	logging.FromContext(logging.WithMessage(ctx, msg.MessageID, msg.TopicArn)).
		Debug("message published", "code", "MSG_PUBLISHED", "queue", name)
	return msg.MessageID, nil
}
