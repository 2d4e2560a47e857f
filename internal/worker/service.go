// Package worker runs the dispatch pipeline: producer loops fanning published
// messages out into endpoint jobs, consumer loops turning jobs into delivery
// tasks, and the pools those tasks retry on.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lupppig/snsbus/internal/config"
	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/events"
	"github.com/lupppig/snsbus/internal/health"
	"github.com/lupppig/snsbus/internal/logging"
	"github.com/lupppig/snsbus/internal/metrics"
	"github.com/lupppig/snsbus/internal/queue"
	"github.com/lupppig/snsbus/internal/subcache"
	"github.com/lupppig/snsbus/internal/transport"
)

type Config struct {
	PublishQueuePrefix  string
	EndpointQueuePrefix string
	NumPublishQueues    int
	NumEndpointQueues   int
	// NumProducers and NumConsumers default to one loop per queue. Loop i
	// polls partition i modulo the queue count.
	NumProducers int
	NumConsumers int
	// LongPollWait > 0 enables long polling.
	LongPollWait time.Duration

	MaxSubscriptionsPerJob int
	PollFloor              time.Duration
	ProducerMaxDelay       time.Duration
	ConsumerMaxDelay       time.Duration
	OverloadSleep          time.Duration
	// MessageExpiration drops published messages older than this before
	// fan-out. Zero disables it.
	MessageExpiration time.Duration

	DeliveryWorkers      int
	RedeliveryWorkers    int
	DeliveryQueueLimit   int
	RedeliveryQueueLimit int
	MaxInFlightSends     int
	VisibilityBuffer     time.Duration
	UseCachedJobFormat   bool

	// DefaultRetry applies when a delivery policy cannot be loaded.
	DefaultRetry domain.RetryPolicy
}

// ConfigFrom extracts the dispatch settings from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	c := Config{
		PublishQueuePrefix:     cfg.Queue.PublishQueuePrefix,
		EndpointQueuePrefix:    cfg.Queue.EndpointQueuePrefix,
		NumPublishQueues:       cfg.Queue.NumPublishQueues,
		NumEndpointQueues:      cfg.Queue.NumEndpointQueues,
		NumProducers:           cfg.Dispatch.NumProducers,
		NumConsumers:           cfg.Dispatch.NumConsumers,
		MaxSubscriptionsPerJob: cfg.Dispatch.MaxSubscriptionsPerJob,
		PollFloor:              cfg.Dispatch.PollFloor,
		ProducerMaxDelay:       cfg.Dispatch.ProducerMaxDelay,
		ConsumerMaxDelay:       cfg.Dispatch.ConsumerMaxDelay,
		OverloadSleep:          cfg.Dispatch.OverloadSleep,
		MessageExpiration:      cfg.Dispatch.MessageExpiration,
		DeliveryWorkers:        cfg.Dispatch.DeliveryWorkers,
		RedeliveryWorkers:      cfg.Dispatch.RedeliveryWorkers,
		DeliveryQueueLimit:     cfg.Dispatch.DeliveryQueueLimit,
		RedeliveryQueueLimit:   cfg.Dispatch.RedeliveryQueueLimit,
		MaxInFlightSends:       cfg.Dispatch.MaxInFlightSends,
		VisibilityBuffer:       cfg.Dispatch.VisibilityBuffer,
		UseCachedJobFormat:     cfg.Dispatch.UseCachedJobFormat,
		DefaultRetry:           cfg.RetryPolicy(),
	}
	if cfg.Queue.LongPoll {
		c.LongPollWait = cfg.Queue.LongPollWait
	}
	return c
}

// SubscriberSource resolves a topic's confirmed subscribers.
type SubscriberSource interface {
	GetSubInfos(ctx context.Context, topicArn string) (*subcache.SubInfos, error)
	Resolver(ctx context.Context) domain.SubscriberResolver
}

// PolicySource resolves the delivery policy of one subscription.
type PolicySource interface {
	Effective(ctx context.Context, topicArn, subscriptionArn string) (domain.DeliveryPolicy, error)
}

// Sender delivers to an endpoint.
type Sender interface {
	Send(ctx context.Context, d transport.Delivery) error
	Retryable(p domain.Protocol) bool
	InFlight() int64
}

type Deps struct {
	Queues   queue.Transport
	Subs     SubscriberSource
	Policies PolicySource
	Sender   Sender
	Health   *health.Monitor
	Events   *events.Hub
	Metrics  *metrics.Metrics
}

// Service owns the loops and pools of the pipeline. Initialize provisions
// the queues, Start runs the loops and Shutdown drains them.
type Service struct {
	cfg      Config
	queues   queue.Transport
	subs     SubscriberSource
	policies PolicySource
	sender   Sender
	health   *health.Monitor
	events   *events.Hub
	metrics  *metrics.Metrics

	delivery   *Pool
	redelivery *Pool
	throttles  *throttles
	pick       func(n int) int
	now        func() time.Time

	publishQueues  []string
	endpointQueues []string

	mu      sync.Mutex
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	started bool
}

func New(cfg Config, deps Deps) *Service {
	return newService(cfg, deps, realTimer{})
}

func newService(cfg Config, deps Deps, timer Timer) *Service {
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	if deps.Health == nil {
		deps.Health = health.NewMonitor(5*time.Minute, 100, m)
	}
	return &Service{
		cfg:        cfg,
		queues:     deps.Queues,
		subs:       deps.Subs,
		policies:   deps.Policies,
		sender:     deps.Sender,
		health:     deps.Health,
		events:     deps.Events,
		metrics:    m,
		delivery:   NewPool("delivery", max(cfg.DeliveryWorkers, 1), timer, m.PoolPending.WithLabelValues("delivery")),
		redelivery: NewPool("redelivery", max(cfg.RedeliveryWorkers, 1), timer, m.PoolPending.WithLabelValues("redelivery")),
		throttles:  newThrottles(throttleIdleTTL),
		pick:       rand.IntN,
		now:        time.Now,
	}
}

// Initialize provisions both partitioned queue sets.
func (s *Service) Initialize(ctx context.Context) error {
	var err error
	if s.publishQueues, err = s.queues.EnsureQueues(ctx, s.cfg.PublishQueuePrefix, s.cfg.NumPublishQueues); err != nil {
		return fmt.Errorf("ensure publish queues: %w", err)
	}
	if s.endpointQueues, err = s.queues.EnsureQueues(ctx, s.cfg.EndpointQueuePrefix, s.cfg.NumEndpointQueues); err != nil {
		return fmt.Errorf("ensure endpoint job queues: %w", err)
	}
	logging.FromContext(ctx).Info("queues ready", "code", "SYS_QUEUES",
		"publish_queues", len(s.publishQueues), "endpoint_queues", len(s.endpointQueues))
	return nil
}

// PublishQueues lists the publish partitions. It is empty before Initialize.
func (s *Service) PublishQueues() []string {
	return s.publishQueues
}

// Start launches the pools and one goroutine per producer and consumer loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("dispatch service already started")
	}
	if len(s.publishQueues) == 0 || len(s.endpointQueues) == 0 {
		return errors.New("dispatch service not initialized")
	}
	s.started = true

	s.delivery.Start()
	s.redelivery.Start()

	ctx, s.cancel = context.WithCancel(ctx)
	producers := s.cfg.NumProducers
	if producers <= 0 {
		producers = len(s.publishQueues)
	}
	consumers := s.cfg.NumConsumers
	if consumers <= 0 {
		consumers = len(s.endpointQueues)
	}

	for i := 0; i < producers; i++ {
		s.startLoop(ctx, fmt.Sprintf("producer-%d", i), s.publishQueues[i%len(s.publishQueues)], s.cfg.ProducerMaxDelay, s.produce)
	}
	for i := 0; i < consumers; i++ {
		s.startLoop(ctx, fmt.Sprintf("consumer-%d", i), s.endpointQueues[i%len(s.endpointQueues)], s.cfg.ConsumerMaxDelay, s.consume)
	}

	logging.FromContext(ctx).Info("dispatch started", "code", "SYS_STARTUP", "producers", producers, "consumers", consumers)
	return nil
}

func (s *Service) startLoop(ctx context.Context, name, queueName string, maxDelay time.Duration, process func(context.Context, string, *queue.Message)) {
	l := &partitionLoop{
		name:          name,
		queue:         queueName,
		transport:     s.queues,
		wait:          s.cfg.LongPollWait,
		backoff:       newIdleBackoff(s.cfg.PollFloor, maxDelay),
		overloaded:    s.overloaded,
		overloadSleep: s.cfg.OverloadSleep,
		onOverload:    func() { s.metrics.Overloaded.WithLabelValues(name).Inc() },
		process: func(ctx context.Context, m *queue.Message) {
			process(ctx, queueName, m)
		},
	}
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		l.run(ctx)
	}()
}

// overloaded reports whether the loops should hold off dequeuing: a pool
// backlog or the number of sends in flight is above its limit. Limits <= 0
// are disabled.
func (s *Service) overloaded() bool {
	if s.cfg.DeliveryQueueLimit > 0 && s.delivery.Pending() > s.cfg.DeliveryQueueLimit {
		return true
	}
	if s.cfg.RedeliveryQueueLimit > 0 && s.redelivery.Pending() > s.cfg.RedeliveryQueueLimit {
		return true
	}
	return s.cfg.MaxInFlightSends > 0 && s.sender.InFlight() > int64(s.cfg.MaxInFlightSends)
}

// Shutdown stops dequeuing, waits for the loops to finish their current
// message and lets the pools drain until ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()

	s.loops.Wait()
	errDelivery := s.delivery.Close(ctx)
	errRedelivery := s.redelivery.Close(ctx)
	if err := errors.Join(errDelivery, errRedelivery); err != nil {
		return fmt.Errorf("drain delivery pools: %w", err)
	}
	logging.FromContext(ctx).Info("dispatch stopped", "code", "SYS_SHUTDOWN")
	return nil
}

type Stats struct {
	DeliveryPending   int   `json:"delivery_pending"`
	RedeliveryPending int   `json:"redelivery_pending"`
	InFlightSends     int64 `json:"in_flight_sends"`
	Overloaded        bool  `json:"overloaded"`
}

func (s *Service) Stats() Stats {
	return Stats{
		DeliveryPending:   s.delivery.Pending(),
		RedeliveryPending: s.redelivery.Pending(),
		InFlightSends:     s.sender.InFlight(),
		Overloaded:        s.overloaded(),
	}
}

// deleteMessage acknowledges a received message. A failed delete only means it is
// processed again.
func (s *Service) deleteMessage(ctx context.Context, queueName, receipt string) {
	if err := s.queues.Delete(ctx, queueName, receipt); err != nil {
		logging.FromContext(ctx).Warn("delete failed", "code", "QUEUE_ERROR", "queue", queueName, "error", err)
	}
}
