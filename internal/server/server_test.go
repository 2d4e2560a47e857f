package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/events"
	"github.com/lupppig/snsbus/internal/health"
	"github.com/lupppig/snsbus/internal/metrics"
	queuemem "github.com/lupppig/snsbus/internal/queue/memory"
	storemem "github.com/lupppig/snsbus/internal/store/memory"
	"github.com/lupppig/snsbus/internal/topics"
	"github.com/lupppig/snsbus/internal/transport"
	"github.com/lupppig/snsbus/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type mockSender struct {
	mu         sync.Mutex
	deliveries []transport.Delivery
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
	return nil
}

func (m *mockSender) lastToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		if m.deliveries[i].Token != "" {
			return m.deliveries[i].Token
		}
	}
	return ""
}

type nopCaches struct{}

func (nopCaches) Invalidate(string)             {}
func (nopCaches) InvalidateTopic(string)        {}
func (nopCaches) InvalidateSubscription(string) {}

type mockDispatcher struct {
	stats worker.Stats
}

func (m *mockDispatcher) Stats() worker.Stats { return m.stats }

type mockCacheSize int

func (m mockCacheSize) Len() int { return int(m) }

type fixture struct {
	srv     *Server
	sender  *mockSender
	queues  *queuemem.Transport
	monitor *health.Monitor
	hub     *events.Hub
	reg     *prometheus.Registry
}

func newFixture(t testing.TB) *fixture {
	t.Helper()
	queues := queuemem.New(time.Minute)
	names, err := queues.EnsureQueues(context.Background(), "publish", 1)
	if err != nil {
		t.Fatalf("ensure queues: %v", err)
	}

	f := &fixture{
		sender:  &mockSender{},
		queues:  queues,
		monitor: health.NewMonitor(time.Minute, 100, nil),
		hub:     events.NewHub(),
		reg:     prometheus.NewRegistry(),
	}
	m := metrics.New(f.reg)
	m.EndpointJobs.Inc()

	svc := topics.New(storemem.New(), queues, f.sender, nopCaches{}, nopCaches{}, topics.Options{
		Region:        "local",
		PublishQueues: names,
		DefaultRetry:  domain.DefaultRetryPolicy(),
	})
	f.srv = New(svc, &mockDispatcher{stats: worker.Stats{DeliveryPending: 3}}, f.monitor, mockCacheSize(7), f.hub, Options{
		FailureThreshold: 2,
		Gatherer:         f.reg,
	})
	return f
}

func (f *fixture) do(t testing.TB, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUser, user)
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t testing.TB, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func (f *fixture) createTopic(t testing.TB, user, name string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/topics", user, map[string]string{"name": name})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 creating topic, got %d: %s", w.Code, w.Body.String())
	}
	return decode(t, w)["topic_arn"].(string)
}

func TestIdentityRequired(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/topics", "", map[string]string{"name": "orders"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if got := decode(t, w)["code"]; got != codeAuthorization {
		t.Errorf("expected code %s, got %v", codeAuthorization, got)
	}

	w = f.do(t, http.MethodPost, "/v1/topics", "bad:user", map[string]string{"name": "orders"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for invalid account id, got %d", w.Code)
	}

	// health stays open
	if w := f.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("expected health to be open, got %d", w.Code)
	}
}

func TestTopicLifecycle(t *testing.T) {
	f := newFixture(t)

	arn := f.createTopic(t, "owner", "orders")
	if arn != "arn:snsbus:local:owner:orders" {
		t.Errorf("unexpected arn %s", arn)
	}

	w := f.do(t, http.MethodGet, "/v1/topics/"+arn, "owner", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode(t, w)["name"]; got != "orders" {
		t.Errorf("expected name orders, got %v", got)
	}

	w = f.do(t, http.MethodDelete, "/v1/topics/"+arn, "intruder", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-owner delete, got %d", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/v1/topics/"+arn, "owner", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 deleting topic, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/topics/"+arn, "owner", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
	if got := decode(t, w)["code"]; got != domain.CodeNotFound {
		t.Errorf("expected code %s, got %v", domain.CodeNotFound, got)
	}
}

func TestCreateTopicRejectsBadName(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/topics", "owner", map[string]string{"name": "has space"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if got := decode(t, w)["code"]; got != domain.CodeInvalidParameter {
		t.Errorf("expected %s, got %v", domain.CodeInvalidParameter, got)
	}

	w = f.do(t, http.MethodPost, "/v1/topics", "owner", "{")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", w.Code)
	}
}

func TestSubscribeConfirmUnsubscribe(t *testing.T) {
	f := newFixture(t)
	arn := f.createTopic(t, "owner", "orders")

	w := f.do(t, http.MethodPost, "/v1/subscriptions", "other", map[string]any{
		"topic_arn": arn,
		"protocol":  "http",
		"endpoint":  "http://example.com/hook",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["subscription_arn"]; got != domain.PendingConfirmation {
		t.Errorf("expected pending subscription, got %v", got)
	}

	token := f.sender.lastToken()
	if token == "" {
		t.Fatal("expected a confirmation token to be sent")
	}

	// confirmation links work without an account id
	q := url.Values{"TopicArn": {arn}, "Token": {"wrong"}}
	w = f.do(t, http.MethodGet, ConfirmPath+"?"+q.Encode(), "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for wrong token, got %d", w.Code)
	}

	q.Set("Token", token)
	w = f.do(t, http.MethodGet, ConfirmPath+"?"+q.Encode(), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 confirming, got %d: %s", w.Code, w.Body.String())
	}
	subArn := decode(t, w)["subscription_arn"].(string)
	if !strings.HasPrefix(subArn, arn+":") {
		t.Errorf("expected subscription arn under %s, got %s", arn, subArn)
	}

	w = f.do(t, http.MethodGet, "/v1/topics/"+arn+"/subscriptions", "owner", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 listing, got %d", w.Code)
	}
	subs := decode(t, w)["subscriptions"].([]any)
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if got := subs[0].(map[string]any)["confirmed"]; got != true {
		t.Errorf("expected confirmed subscription, got %v", got)
	}

	w = f.do(t, http.MethodGet, UnsubscribePath+"?"+url.Values{"SubscriptionArn": {subArn}}.Encode(), "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 unsubscribing, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodDelete, "/v1/subscriptions/"+subArn, "other", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a removed subscription, got %d", w.Code)
	}
}

func TestDeliveryPolicies(t *testing.T) {
	f := newFixture(t)
	arn := f.createTopic(t, "owner", "orders")

	w := f.do(t, http.MethodPut, "/v1/topics/"+arn+"/delivery-policy", "owner",
		`{"http":{"defaultHealthyRetryPolicy":{"minDelayTarget":5,"maxDelayTarget":10,"numRetries":4}}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodPut, "/v1/topics/"+arn+"/delivery-policy", "owner",
		`{"defaultHealthyRetryPolicy":{"minDelayTarget":50,"maxDelayTarget":10}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for min > max, got %d", w.Code)
	}

	w = f.do(t, http.MethodPut, "/v1/topics/"+arn+"/delivery-policy", "owner", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty policy, got %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/subscriptions", "owner", map[string]any{
		"topic_arn": arn,
		"protocol":  "sqs",
		"endpoint":  "downstream",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	subArn := decode(t, w)["subscription_arn"].(string)

	w = f.do(t, http.MethodPut, "/v1/subscriptions/"+subArn+"/delivery-policy", "owner",
		`{"healthyRetryPolicy":{"numRetries":2},"throttlePolicy":{"maxReceivesPerSecond":5}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	throttle := decode(t, w)["throttlePolicy"].(map[string]any)
	if throttle["maxReceivesPerSecond"] != float64(5) {
		t.Errorf("expected throttle 5, got %v", throttle["maxReceivesPerSecond"])
	}
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	arn := f.createTopic(t, "owner", "orders")

	w := f.do(t, http.MethodPost, "/v1/publish", "publisher", map[string]string{
		"topic_arn": arn,
		"message":   "hello",
		"subject":   "greeting",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	id := decode(t, w)["message_id"].(string)

	m, err := f.queues.Receive(context.Background(), "publish-0", 0)
	if err != nil || m == nil {
		t.Fatalf("expected a queued message, got %v %v", m, err)
	}
	msg, err := domain.ParseMessage(m.Body)
	if err != nil {
		t.Fatalf("parse queued message: %v", err)
	}
	if msg.MessageID != id || msg.UserID != "publisher" || msg.Subject != "greeting" {
		t.Errorf("unexpected queued message %+v", msg)
	}
}

func TestPublishErrors(t *testing.T) {
	f := newFixture(t)
	arn := f.createTopic(t, "owner", "orders")

	tests := []struct {
		name   string
		body   map[string]string
		status int
		code   string
	}{
		{"empty message", map[string]string{"topic_arn": arn}, http.StatusBadRequest, domain.CodeInvalidParameter},
		{"unknown topic", map[string]string{"topic_arn": arn + "x", "message": "m"}, http.StatusNotFound, domain.CodeNotFound},
		{"too long", map[string]string{"topic_arn": arn, "message": strings.Repeat("a", domain.DefaultMaxMessageBytes+1)}, http.StatusBadRequest, domain.CodeParameterValueTooLong},
		{"bad structure", map[string]string{"topic_arn": arn, "message": `{"http":"x"}`, "message_structure": "json"}, http.StatusBadRequest, domain.CodeInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/publish", "publisher", tt.body)
			if w.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if got := decode(t, w)["code"]; got != tt.code {
				t.Errorf("expected code %s, got %v", tt.code, got)
			}
		})
	}
}

func TestOperatorEndpoints(t *testing.T) {
	f := newFixture(t)
	info := domain.SubscriberInfo{Protocol: domain.ProtocolHTTP, Endpoint: "http://down", SubscriptionArn: "a"}
	f.monitor.RecordFailure(info, "m1", "status 500")
	f.monitor.RecordFailure(info, "m2", "status 500")
	f.monitor.RecordFailure(domain.SubscriberInfo{Protocol: domain.ProtocolHTTP, Endpoint: "http://flaky"}, "m3", "timeout")

	w := f.do(t, http.MethodGet, "/v1/endpoints/failing", "ops", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	endpoints := decode(t, w)["endpoints"].([]any)
	if len(endpoints) != 1 {
		t.Fatalf("expected 1 failing endpoint, got %d", len(endpoints))
	}
	if got := endpoints[0].(map[string]any)["endpoint"]; got != "http://down" {
		t.Errorf("expected http://down, got %v", got)
	}

	w = f.do(t, http.MethodGet, "/v1/stats", "ops", nil)
	stats := decode(t, w)
	if stats["subscription_cache_keys"] != float64(7) {
		t.Errorf("expected 7 cache keys, got %v", stats["subscription_cache_keys"])
	}
	if d := stats["dispatch"].(map[string]any); d["delivery_pending"] != float64(3) {
		t.Errorf("expected 3 pending deliveries, got %v", d["delivery_pending"])
	}

	w = f.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "snsbus_endpoint_jobs_enqueued_total 1") {
		t.Errorf("expected endpoint job counter in metrics output")
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events?topic_arn=t1", nil)
	req.Header.Set(HeaderUser, "ops")

	type result struct {
		lines []string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var lines []string
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines = append(lines, sc.Text())
			if strings.HasPrefix(sc.Text(), "data:") {
				break
			}
		}
		done <- result{lines: lines}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.hub.Publish(events.DeliveryEvent{TopicArn: "other", MessageID: "skip"})
	f.hub.Publish(events.DeliveryEvent{TopicArn: "t1", MessageID: "m1", Status: events.DeliveryStatusDelivered})

	r := <-done
	if r.err != nil {
		t.Fatalf("stream request failed: %v", r.err)
	}
	joined := strings.Join(r.lines, "\n")
	if !strings.Contains(joined, "event:delivery") {
		t.Errorf("expected a delivery event, got %q", joined)
	}
	if !strings.Contains(joined, `"message_id":"m1"`) || strings.Contains(joined, "skip") {
		t.Errorf("expected only the filtered event, got %q", joined)
	}
}

func TestEventsRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/events?status=delivered,lost", "ops", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if f.hub.SubscriberCount() != 0 {
		t.Errorf("expected no feed to be registered, got %d", f.hub.SubscriberCount())
	}
}

func BenchmarkPublish(b *testing.B) {
	f := newFixture(b)
	arn := f.createTopic(b, "owner", "bench")
	body := `{"topic_arn":"` + arn + `","message":"hello"}`

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/publish", strings.NewReader(body))
		req.Header.Set(HeaderUser, "publisher")
		w := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			b.Fatalf("expected 200, got %d", w.Code)
		}
	}
}
