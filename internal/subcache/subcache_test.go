package subcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lupppig/snsbus/internal/domain"
)

// mockDirectory serves subscriptions from memory and counts topic scans.
type mockDirectory struct {
	mu      sync.Mutex
	topics  map[string][]domain.Subscription
	failErr error
	gate    chan struct{}
	entered chan struct{}

	scans atomic.Int32
	pages atomic.Int32
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{topics: make(map[string][]domain.Subscription)}
}

func (d *mockDirectory) add(topicArn string, n int, pendingEvery int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("sub-%05d", i)
		sub := domain.Subscription{
			ID:        id,
			Arn:       domain.SubscriptionArn(topicArn, id),
			TopicArn:  topicArn,
			Protocol:  domain.ProtocolHTTP,
			Endpoint:  fmt.Sprintf("http://h%d.example", i),
			Confirmed: pendingEvery == 0 || i%pendingEvery != 0,
		}
		d.topics[topicArn] = append(d.topics[topicArn], sub)
	}
	sort.Slice(d.topics[topicArn], func(i, j int) bool {
		return d.topics[topicArn][i].ID < d.topics[topicArn][j].ID
	})
}

func (d *mockDirectory) ListSubscriptionsByTopic(ctx context.Context, topicArn, pageToken string, pageSize int, confirmedOnly bool) ([]domain.Subscription, string, error) {
	if pageToken == "" {
		d.scans.Add(1)
		if d.entered != nil {
			d.entered <- struct{}{}
		}
		if d.gate != nil {
			<-d.gate
		}
	}
	d.pages.Add(1)
	if d.failErr != nil {
		return nil, "", d.failErr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	subs, ok := d.topics[topicArn]
	if !ok {
		return nil, "", domain.ErrTopicNotFound
	}
	// the directory hands back pending entries too so the cache filter is exercised
	start := sort.Search(len(subs), func(i int) bool { return subs[i].ID > pageToken })
	end := start + pageSize
	if end >= len(subs) {
		return append([]domain.Subscription(nil), subs[start:]...), "", nil
	}
	return append([]domain.Subscription(nil), subs[start:end]...), subs[end-1].ID, nil
}

func enabled(ttl time.Duration, maxKeys int) Options {
	return Options{Enabled: true, TTL: ttl, MaxKeys: maxKeys}
}

func TestGetSubInfosFiltersPending(t *testing.T) {
	dir := newMockDirectory()
	dir.add("arn:t1", 2500, 10)
	c := New(dir, enabled(time.Minute, 10), nil)

	infos, err := c.GetSubInfos(context.Background(), "arn:t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos.Ordered) != 2250 || len(infos.ByArn) != 2250 {
		t.Errorf("expected 2250 confirmed subscribers, got %d ordered and %d indexed", len(infos.Ordered), len(infos.ByArn))
	}
	if dir.pages.Load() != 3 {
		t.Errorf("expected 3 directory pages, got %d", dir.pages.Load())
	}
	for i := 1; i < len(infos.Ordered); i++ {
		if infos.Ordered[i-1].SubscriptionArn >= infos.Ordered[i].SubscriptionArn {
			t.Fatalf("subscribers out of directory order at %d", i)
		}
	}
	for _, info := range infos.Ordered {
		if info.SubscriptionArn == domain.PendingConfirmation {
			t.Fatal("pending subscription leaked into fan-out list")
		}
	}
}

func TestGetSubInfosSingleFlight(t *testing.T) {
	dir := newMockDirectory()
	dir.add("arn:t1", 3, 0)
	dir.gate = make(chan struct{})
	dir.entered = make(chan struct{}, 2)
	c := New(dir, enabled(time.Minute, 10), nil)

	var wg sync.WaitGroup
	results := make([]*SubInfos, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetSubInfos(context.Background(), "arn:t1")
		}(i)
	}

	<-dir.entered
	time.Sleep(50 * time.Millisecond)
	close(dir.gate)
	wg.Wait()

	if dir.scans.Load() != 1 {
		t.Errorf("expected exactly 1 directory scan, got %d", dir.scans.Load())
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if len(results[i].Ordered) != 3 {
			t.Errorf("caller %d: expected 3 subscribers, got %d", i, len(results[i].Ordered))
		}
	}
}

func TestGetSubInfosRepopulatesAfterTTL(t *testing.T) {
	dir := newMockDirectory()
	dir.add("arn:t1", 1, 0)
	c := New(dir, enabled(50*time.Millisecond, 10), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.GetSubInfos(ctx, "arn:t1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if dir.scans.Load() != 1 {
		t.Fatalf("expected 1 scan before expiry, got %d", dir.scans.Load())
	}

	time.Sleep(80 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := c.GetSubInfos(ctx, "arn:t1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if dir.scans.Load() != 2 {
		t.Errorf("expected exactly one re-population after TTL, got %d scans", dir.scans.Load())
	}
}

func TestGetSubInfosTopicNotFound(t *testing.T) {
	dir := newMockDirectory()
	c := New(dir, enabled(time.Minute, 10), nil)

	_, err := c.GetSubInfos(context.Background(), "arn:gone")
	if err != domain.ErrTopicNotFound {
		t.Errorf("expected ErrTopicNotFound unchanged, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("expected failed lookup not to be cached, got %d keys", c.Len())
	}
}

func TestGetSubInfosDirectoryFailure(t *testing.T) {
	dir := newMockDirectory()
	dir.add("arn:t1", 1, 0)
	dir.failErr = errors.New("connection reset")
	c := New(dir, enabled(time.Minute, 10), nil)

	_, err := c.GetSubInfos(context.Background(), "arn:t1")
	if err == nil || errors.Is(err, domain.ErrTopicNotFound) {
		t.Errorf("expected a transient error, got %v", err)
	}
}

func TestGetSubInfosCacheFullFallsBack(t *testing.T) {
	dir := newMockDirectory()
	dir.add("arn:t1", 1, 0)
	dir.add("arn:t2", 2, 0)
	c := New(dir, enabled(time.Minute, 1), nil)
	ctx := context.Background()

	if _, err := c.GetSubInfos(ctx, "arn:t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 2; i++ {
		infos, err := c.GetSubInfos(ctx, "arn:t2")
		if err != nil {
			t.Fatalf("expected direct fallback, got %v", err)
		}
		if len(infos.Ordered) != 2 {
			t.Errorf("expected 2 subscribers, got %d", len(infos.Ordered))
		}
	}
	// t2 is never cached so every lookup scans
	if dir.scans.Load() != 3 {
		t.Errorf("expected 3 scans, got %d", dir.scans.Load())
	}
}

func TestGetSubInfosDisabled(t *testing.T) {
	dir := newMockDirectory()
	dir.add("arn:t1", 1, 0)
	c := New(dir, Options{Enabled: false}, nil)

	for i := 0; i < 3; i++ {
		if _, err := c.GetSubInfos(context.Background(), "arn:t1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if dir.scans.Load() != 3 {
		t.Errorf("expected every lookup to scan, got %d", dir.scans.Load())
	}
}

func TestResolver(t *testing.T) {
	dir := newMockDirectory()
	dir.add("arn:t1", 2, 0)
	c := New(dir, enabled(time.Minute, 10), nil)

	byArn, err := c.Resolver(context.Background())("arn:t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	arn := domain.SubscriptionArn("arn:t1", "sub-00001")
	if byArn[arn].Endpoint != "http://h1.example" {
		t.Errorf("expected resolved endpoint, got %+v", byArn[arn])
	}
}

func BenchmarkGetSubInfosHit(b *testing.B) {
	dir := newMockDirectory()
	dir.add("arn:t1", 100, 0)
	c := New(dir, enabled(time.Hour, 10), nil)
	ctx := context.Background()
	c.GetSubInfos(ctx, "arn:t1")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.GetSubInfos(ctx, "arn:t1")
	}
}
