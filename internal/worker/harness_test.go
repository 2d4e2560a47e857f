package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/events"
	"github.com/lupppig/snsbus/internal/metrics"
	"github.com/lupppig/snsbus/internal/queue"
	"github.com/lupppig/snsbus/internal/queue/memory"
	"github.com/lupppig/snsbus/internal/subcache"
	"github.com/lupppig/snsbus/internal/transport"
)

// mockSubs implements SubscriberSource for testing
type mockSubs struct {
	mu      sync.Mutex
	topics  map[string][]domain.SubscriberInfo
	lookups int
}

func newMockSubs() *mockSubs {
	return &mockSubs{topics: make(map[string][]domain.SubscriberInfo)}
}

func (m *mockSubs) set(topicArn string, subs []domain.SubscriberInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topicArn] = subs
}

func (m *mockSubs) GetSubInfos(ctx context.Context, topicArn string) (*subcache.SubInfos, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	subs, ok := m.topics[topicArn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTopicNotFound, topicArn)
	}
	infos := &subcache.SubInfos{Ordered: subs, ByArn: make(map[string]domain.SubscriberInfo, len(subs))}
	for _, s := range subs {
		infos.ByArn[s.SubscriptionArn] = s
	}
	return infos, nil
}

func (m *mockSubs) Resolver(ctx context.Context) domain.SubscriberResolver {
	return func(topicArn string) (map[string]domain.SubscriberInfo, error) {
		infos, err := m.GetSubInfos(ctx, topicArn)
		if err != nil {
			return nil, err
		}
		return infos.ByArn, nil
	}
}

func (m *mockSubs) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

// mockPolicies implements PolicySource for testing
type mockPolicies struct {
	mu   sync.Mutex
	def  domain.DeliveryPolicy
	gone map[string]bool
}

func (m *mockPolicies) Effective(ctx context.Context, topicArn, subscriptionArn string) (domain.DeliveryPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone[subscriptionArn] {
		return domain.DeliveryPolicy{}, fmt.Errorf("%w: %s", domain.ErrSubscriberNotFound, subscriptionArn)
	}
	return m.def, nil
}

// mockSender implements Sender with a scripted error sequence per endpoint
type mockSender struct {
	mu       sync.Mutex
	script   map[string][]error
	attempts map[string]int
	inFlight atomic.Int64
}

func newMockSender() *mockSender {
	return &mockSender{script: make(map[string][]error), attempts: make(map[string]int)}
}

func (m *mockSender) fail(endpoint string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[endpoint] = append(m.script[endpoint], errs...)
}

func (m *mockSender) Send(ctx context.Context, d transport.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[d.Subscriber.Endpoint]++
	if errs := m.script[d.Subscriber.Endpoint]; len(errs) > 0 {
		m.script[d.Subscriber.Endpoint] = errs[1:]
		return errs[0]
	}
	return nil
}

func (m *mockSender) Retryable(p domain.Protocol) bool {
	return p == domain.ProtocolHTTP || p == domain.ProtocolHTTPS
}

func (m *mockSender) InFlight() int64 {
	return m.inFlight.Load()
}

func (m *mockSender) attemptsTo(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[endpoint]
}

func (m *mockSender) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		n += a
	}
	return n
}

// countingQueue records deletes and visibility extensions
type countingQueue struct {
	queue.Transport
	mu      sync.Mutex
	deletes map[string]int
	extends []time.Duration
	deleted chan string
}

func (q *countingQueue) Delete(ctx context.Context, name, receipt string) error {
	q.mu.Lock()
	q.deletes[receipt]++
	q.mu.Unlock()
	select {
	case q.deleted <- receipt:
	default:
	}
	return q.Transport.Delete(ctx, name, receipt)
}

func (q *countingQueue) ExtendVisibility(ctx context.Context, name, receipt string, timeout time.Duration) error {
	q.mu.Lock()
	q.extends = append(q.extends, timeout)
	q.mu.Unlock()
	return q.Transport.ExtendVisibility(ctx, name, receipt, timeout)
}

func (q *countingQueue) deleteCount(receipt string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deletes[receipt]
}

func (q *countingQueue) extensions() []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]time.Duration(nil), q.extends...)
}

// fakeTimer holds delayed functions until fire is called
type fakeTimer struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (f *fakeTimer) AfterFunc(d time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, fn)
	f.delays = append(f.delays, d)
}

func (f *fakeTimer) fire() int {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	return len(pending)
}

func (f *fakeTimer) scheduled() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

// runQueued runs the pool's queued tasks on the calling goroutine.
func runQueued(p *Pool) int {
	n := 0
	for {
		p.mu.Lock()
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return n
		}
		task := p.tasks[0]
		p.tasks = p.tasks[1:]
		p.mu.Unlock()
		task(context.Background())
		n++
	}
}

type harness struct {
	svc      *Service
	mem      *memory.Transport
	queues   *countingQueue
	subs     *mockSubs
	policies *mockPolicies
	sender   *mockSender
	timer    *fakeTimer
	hub      *events.Hub
	metrics  *metrics.Metrics
}

const testTopic = "arn:snsbus:local:owner:orders"

func testConfig() Config {
	return Config{
		PublishQueuePrefix:     "pub",
		EndpointQueuePrefix:    "ep",
		NumPublishQueues:       1,
		NumEndpointQueues:      1,
		MaxSubscriptionsPerJob: 100,
		PollFloor:              time.Millisecond,
		ProducerMaxDelay:       10 * time.Millisecond,
		ConsumerMaxDelay:       10 * time.Millisecond,
		OverloadSleep:          time.Millisecond,
		DeliveryWorkers:        4,
		RedeliveryWorkers:      2,
		VisibilityBuffer:       time.Second,
		DefaultRetry:           domain.DefaultRetryPolicy(),
	}
}

func newHarness(t *testing.T, cfg Config, timer Timer) *harness {
	t.Helper()
	mem := memory.New(time.Minute)
	h := &harness{
		mem:      mem,
		queues:   &countingQueue{Transport: mem, deletes: make(map[string]int), deleted: make(chan string, 16)},
		subs:     newMockSubs(),
		policies: &mockPolicies{def: domain.DeliveryPolicy{Healthy: domain.DefaultRetryPolicy()}, gone: make(map[string]bool)},
		sender:   newMockSender(),
		hub:      events.NewHub(),
		metrics:  metrics.New(nil),
	}
	if ft, ok := timer.(*fakeTimer); ok {
		h.timer = ft
	}
	h.svc = newService(cfg, Deps{
		Queues:   h.queues,
		Subs:     h.subs,
		Policies: h.policies,
		Sender:   h.sender,
		Events:   h.hub,
		Metrics:  h.metrics,
	}, timer)
	if err := h.svc.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return h
}

func httpSubs(n int) []domain.SubscriberInfo {
	subs := make([]domain.SubscriberInfo, n)
	for i := range subs {
		subs[i] = domain.SubscriberInfo{
			Protocol:        domain.ProtocolHTTP,
			Endpoint:        fmt.Sprintf("http://sub%d.example.com", i),
			SubscriptionArn: fmt.Sprintf("%s:sub%d", testTopic, i),
		}
	}
	return subs
}

// enqueue sends body to queueName and receives it back.
func (h *harness) enqueue(t *testing.T, queueName, body string) *queue.Message {
	t.Helper()
	ctx := context.Background()
	if _, err := h.mem.Send(ctx, queueName, body); err != nil {
		t.Fatalf("send: %v", err)
	}
	m, err := h.mem.Receive(ctx, queueName, 0)
	if err != nil || m == nil {
		t.Fatalf("receive from %s: %v %v", queueName, m, err)
	}
	return m
}

func (h *harness) enqueueJob(t *testing.T, subs []domain.SubscriberInfo) *queue.Message {
	t.Helper()
	msg := domain.NewMessage(testTopic, "owner", "hello")
	job := domain.SplitJobs(msg, subs, len(subs))[0]
	return h.enqueue(t, "ep-0", job.Serialize())
}

func collect(feed *events.Feed) []events.DeliveryEvent {
	var out []events.DeliveryEvent
	for {
		select {
		case ev := <-feed.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
