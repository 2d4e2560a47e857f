package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lupppig/snsbus/internal/config"
	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "snsbus.db")
	cfg.Queue.LongPollWait = 20 * time.Millisecond
	cfg.Dispatch.DeliveryWorkers = 4
	cfg.Dispatch.RedeliveryWorkers = 2
	cfg.Dispatch.ShutdownTimeout = 2 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return cfg
}

func call(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.HeaderUser, "owner")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// TestPublishToQueueSubscriber runs the whole pipeline on sqlite and the
// in-memory queue: a message published over HTTP reaches an sqs subscriber.
func TestPublishToQueueSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	a, err := newApp(ctx, cfg)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.close()

	if err := a.dispatch.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	downstream, err := a.queues.EnsureQueues(ctx, "downstream", 1)
	if err != nil {
		t.Fatalf("ensure downstream queue: %v", err)
	}
	if err := a.dispatch.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Dispatch.ShutdownTimeout)
		defer stop()
		a.dispatch.Shutdown(shutdownCtx)
	}()

	h := a.api.Handler()
	if w := call(t, h, http.MethodPost, "/v1/topics", `{"name":"orders"}`); w.Code != http.StatusOK {
		t.Fatalf("create topic: %d %s", w.Code, w.Body.String())
	}
	topicArn := domain.TopicArn(cfg.Server.Region, "owner", "orders")

	w := call(t, h, http.MethodPost, "/v1/subscriptions",
		`{"topic_arn":"`+topicArn+`","protocol":"sqs","endpoint":"`+downstream[0]+`","raw_delivery":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("subscribe: %d %s", w.Code, w.Body.String())
	}

	w = call(t, h, http.MethodPost, "/v1/publish", `{"topic_arn":"`+topicArn+`","message":"order 42 shipped"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("publish: %d %s", w.Code, w.Body.String())
	}

	m, err := a.queues.Receive(ctx, downstream[0], 5*time.Second)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if m == nil {
		t.Fatal("expected the message on the subscriber queue")
	}
	if m.Body != "order 42 shipped" {
		t.Errorf("expected raw body, got %q", m.Body)
	}

	w = call(t, h, http.MethodGet, "/metrics", "")
	if !strings.Contains(w.Body.String(), "snsbus_endpoint_jobs_enqueued_total") {
		t.Error("expected dispatch metrics to be exported")
	}
}
