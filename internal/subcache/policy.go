package subcache

import (
	"context"
	"errors"

	"github.com/lupppig/snsbus/internal/cache"
	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/metrics"
)

// PolicySource reads the stored delivery policies.
type PolicySource interface {
	GetTopic(ctx context.Context, arn string) (*domain.Topic, error)
	GetSubscription(ctx context.Context, arn string) (*domain.Subscription, error)
}

type topicPolicy struct {
	policy *domain.TopicDeliveryPolicy
}

type subscriptionPolicy struct {
	policy *domain.DeliveryPolicy
}

// Policies resolves the delivery policy each attempt runs under.
type Policies struct {
	src      PolicySource
	defaults domain.RetryPolicy
	opts     Options
	topics   *cache.Expiring[topicPolicy]
	subs     *cache.Expiring[subscriptionPolicy]
	metrics  *metrics.Metrics
}

func NewPolicies(src PolicySource, defaults domain.RetryPolicy, opts Options, m *metrics.Metrics) *Policies {
	if m == nil {
		m = metrics.Nop()
	}
	return &Policies{
		src:      src,
		defaults: defaults,
		opts:     opts,
		topics:   cache.New[topicPolicy](opts.MaxKeys, opts.TTL),
		subs:     cache.New[subscriptionPolicy](opts.MaxKeys, opts.TTL),
		metrics:  m,
	}
}

// Effective returns the policy for deliveries to subscriptionArn on
// topicArn. It fails with domain.ErrTopicNotFound or
// domain.ErrSubscriberNotFound once either has been deleted.
func (p *Policies) Effective(ctx context.Context, topicArn, subscriptionArn string) (domain.DeliveryPolicy, error) {
	tp, err := p.topicPolicy(ctx, topicArn)
	if err != nil {
		return domain.DeliveryPolicy{}, err
	}
	sp, err := p.subscriptionPolicy(ctx, subscriptionArn)
	if err != nil {
		return domain.DeliveryPolicy{}, err
	}
	return domain.EffectivePolicy(tp, sp, p.defaults), nil
}

func (p *Policies) topicPolicy(ctx context.Context, arn string) (*domain.TopicDeliveryPolicy, error) {
	load := func() (topicPolicy, error) {
		t, err := p.src.GetTopic(context.WithoutCancel(ctx), arn)
		if err != nil {
			return topicPolicy{}, err
		}
		return topicPolicy{policy: t.DeliveryPolicy}, nil
	}
	if !p.opts.Enabled {
		v, err := load()
		return v.policy, err
	}
	v, err := p.topics.Get(arn, load, p.opts.TTL)
	if errors.Is(err, domain.ErrCacheFull) {
		p.metrics.CacheLookups.WithLabelValues("topic_policies", "full").Inc()
		v, err = load()
	}
	return v.policy, err
}

func (p *Policies) subscriptionPolicy(ctx context.Context, arn string) (*domain.DeliveryPolicy, error) {
	load := func() (subscriptionPolicy, error) {
		s, err := p.src.GetSubscription(context.WithoutCancel(ctx), arn)
		if err != nil {
			return subscriptionPolicy{}, err
		}
		return subscriptionPolicy{policy: s.DeliveryPolicy}, nil
	}
	if !p.opts.Enabled {
		v, err := load()
		return v.policy, err
	}
	v, err := p.subs.Get(arn, load, p.opts.TTL)
	if errors.Is(err, domain.ErrCacheFull) {
		p.metrics.CacheLookups.WithLabelValues("subscription_policies", "full").Inc()
		v, err = load()
	}
	return v.policy, err
}

// InvalidateTopic drops the cached policy of arn.
func (p *Policies) InvalidateTopic(arn string) {
	p.topics.Invalidate(arn)
}

// InvalidateSubscription drops the cached policy of arn.
func (p *Policies) InvalidateSubscription(arn string) {
	p.subs.Invalidate(arn)
}
