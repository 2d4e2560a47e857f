// Package memory is an in-process store for tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/store"
)

type Store struct {
	mu     sync.RWMutex
	topics map[string]*domain.Topic
	// subscriptions by topic ARN, then by subscription ARN
	subs map[string]map[string]*domain.Subscription
}

func New() *Store {
	return &Store{
		topics: make(map[string]*domain.Topic),
		subs:   make(map[string]map[string]*domain.Subscription),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateTopic(ctx context.Context, t *domain.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[t.Arn]; ok {
		return fmt.Errorf("%w: topic %s", store.ErrAlreadyExists, t.Arn)
	}
	cp := *t
	s.topics[t.Arn] = &cp
	s.subs[t.Arn] = make(map[string]*domain.Subscription)
	return nil
}

func (s *Store) GetTopic(ctx context.Context, arn string) (*domain.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topics[arn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTopicNotFound, arn)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) DeleteTopic(ctx context.Context, arn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[arn]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrTopicNotFound, arn)
	}
	delete(s.topics, arn)
	delete(s.subs, arn)
	return nil
}

func (s *Store) SetTopicDeliveryPolicy(ctx context.Context, arn string, p *domain.TopicDeliveryPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[arn]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTopicNotFound, arn)
	}
	t.DeliveryPolicy = p
	return nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.subs[sub.TopicArn]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTopicNotFound, sub.TopicArn)
	}
	for _, existing := range subs {
		if existing.Protocol == sub.Protocol && existing.Endpoint == sub.Endpoint {
			return fmt.Errorf("%w: subscription for %s %s", store.ErrAlreadyExists, sub.Protocol, sub.Endpoint)
		}
	}
	cp := *sub
	subs[sub.Arn] = &cp
	return nil
}

func (s *Store) lookupLocked(arn string) (*domain.Subscription, bool) {
	for _, subs := range s.subs {
		if sub, ok := subs[arn]; ok {
			return sub, true
		}
	}
	return nil, false
}

func (s *Store) GetSubscription(ctx context.Context, arn string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.lookupLocked(arn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubscriberNotFound, arn)
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) FindSubscription(ctx context.Context, topicArn string, p domain.Protocol, endpoint string) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs, ok := s.subs[topicArn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTopicNotFound, topicArn)
	}
	for _, sub := range subs {
		if sub.Protocol == p && sub.Endpoint == endpoint {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", domain.ErrSubscriberNotFound, p, endpoint)
}

func (s *Store) ConfirmSubscription(ctx context.Context, topicArn, token string) (*domain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.subs[topicArn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTopicNotFound, topicArn)
	}
	for _, sub := range subs {
		if sub.ConfirmationToken != "" && sub.ConfirmationToken == token {
			sub.Confirmed = true
			cp := *sub
			return &cp, nil
		}
	}
	return nil, store.ErrTokenMismatch
}

func (s *Store) DeleteSubscription(ctx context.Context, arn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subs := range s.subs {
		if _, ok := subs[arn]; ok {
			delete(subs, arn)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrSubscriberNotFound, arn)
}

func (s *Store) SetSubscriptionDeliveryPolicy(ctx context.Context, arn string, p *domain.DeliveryPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.lookupLocked(arn)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSubscriberNotFound, arn)
	}
	sub.DeliveryPolicy = p
	return nil
}

func (s *Store) ListSubscriptionsByTopic(ctx context.Context, topicArn, pageToken string, pageSize int, confirmedOnly bool) ([]domain.Subscription, string, error) {
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}
	s.mu.RLock()
	subs, ok := s.subs[topicArn]
	if !ok {
		s.mu.RUnlock()
		return nil, "", fmt.Errorf("%w: %s", domain.ErrTopicNotFound, topicArn)
	}
	all := make([]domain.Subscription, 0, len(subs))
	for _, sub := range subs {
		if confirmedOnly && !sub.Confirmed {
			continue
		}
		all = append(all, *sub)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	start := sort.Search(len(all), func(i int) bool { return all[i].ID > pageToken })
	end := start + pageSize
	if end >= len(all) {
		return all[start:], "", nil
	}
	page := all[start:end]
	return page, page[len(page)-1].ID, nil
}
