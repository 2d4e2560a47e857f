// Package transport delivers a message to one subscriber over its protocol.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/metrics"
)

// Delivery is everything a variant needs to send one message. Token is set
// only on subscription confirmations.
type Delivery struct {
	Message        *domain.Message
	Subscriber     domain.SubscriberInfo
	Token          string
	SubscribeURL   string
	UnsubscribeURL string
}

// Endpoint is one protocol variant.
type Endpoint interface {
	Protocol() domain.Protocol
	// Validate checks an endpoint address at subscribe time.
	Validate(endpoint string) error
	Send(ctx context.Context, d Delivery) error
	// Retryable reports whether failed sends enter the retry schedule.
	Retryable() bool
}

// StatusError is a response outside 2xx.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned status %d", e.StatusCode)
}

// Permanent reports failures no retry can fix: the subscriber or its queue
// is gone, or the message cannot be rendered for the protocol.
func Permanent(err error) bool {
	return errors.Is(err, domain.ErrSubscriberNotFound) ||
		errors.Is(err, domain.ErrTopicNotFound) ||
		errors.Is(err, domain.ErrMalformedStructure)
}

type Options struct {
	// PublicURL is the externally reachable base of the HTTP API, used in
	// confirmation and unsubscribe links.
	PublicURL string
}

// Registry dispatches to the variant registered for a protocol and counts
// sends in flight.
type Registry struct {
	endpoints map[domain.Protocol]Endpoint
	opts      Options
	inFlight  atomic.Int64
	metrics   *metrics.Metrics
}

func NewRegistry(opts Options, m *metrics.Metrics, endpoints ...Endpoint) *Registry {
	if m == nil {
		m = metrics.Nop()
	}
	r := &Registry{
		endpoints: make(map[domain.Protocol]Endpoint, len(endpoints)),
		opts:      opts,
		metrics:   m,
	}
	for _, ep := range endpoints {
		r.endpoints[ep.Protocol()] = ep
	}
	return r
}

func (r *Registry) Get(p domain.Protocol) (Endpoint, error) {
	ep, ok := r.endpoints[p]
	if !ok {
		return nil, fmt.Errorf("%w: protocol %s is not enabled", domain.ErrInvalidParameter, p)
	}
	return ep, nil
}

// Retryable reports whether failures on p are retried. Unknown protocols
// are not.
func (r *Registry) Retryable(p domain.Protocol) bool {
	ep, ok := r.endpoints[p]
	return ok && ep.Retryable()
}

func (r *Registry) Validate(p domain.Protocol, endpoint string) error {
	ep, err := r.Get(p)
	if err != nil {
		return err
	}
	return ep.Validate(endpoint)
}

// Send fills in the confirmation and unsubscribe links and delivers d.
func (r *Registry) Send(ctx context.Context, d Delivery) error {
	ep, err := r.Get(d.Subscriber.Protocol)
	if err != nil {
		return err
	}
	r.links(&d)

	r.inFlight.Add(1)
	defer r.inFlight.Add(-1)

	start := time.Now()
	err = ep.Send(ctx, d)
	r.metrics.DeliveryLatency.WithLabelValues(d.Subscriber.Protocol.String()).Observe(time.Since(start).Seconds())
	return err
}

func (r *Registry) links(d *Delivery) {
	if r.opts.PublicURL == "" {
		return
	}
	if d.Token != "" && d.SubscribeURL == "" {
		q := url.Values{"TopicArn": {d.Message.TopicArn}, "Token": {d.Token}}
		d.SubscribeURL = r.opts.PublicURL + "/v1/subscriptions/confirm?" + q.Encode()
	}
	if d.Message.Type == domain.MessageTypeNotification && d.UnsubscribeURL == "" {
		q := url.Values{"SubscriptionArn": {d.Subscriber.SubscriptionArn}}
		d.UnsubscribeURL = r.opts.PublicURL + "/v1/subscriptions/unsubscribe?" + q.Encode()
	}
}

// InFlight is the number of sends currently running.
func (r *Registry) InFlight() int64 {
	return r.inFlight.Load()
}
