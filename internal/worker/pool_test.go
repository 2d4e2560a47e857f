package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPoolRunsAndDrainsOnClose(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pending"})
	p := NewPool("test", 2, nil, gauge)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if err := p.Submit(func(context.Context) { ran.Add(1) }); err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	if p.Pending() != 10 {
		t.Errorf("expected 10 pending before start, got %d", p.Pending())
	}
	if got := testutil.ToFloat64(gauge); got != 10 {
		t.Errorf("expected gauge at 10, got %v", got)
	}

	p.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if ran.Load() != 10 {
		t.Errorf("expected all 10 tasks to run, got %d", ran.Load())
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolCloseTimeoutCancelsTasks(t *testing.T) {
	p := NewPool("test", 1, nil, nil)
	p.Start()

	started := make(chan struct{})
	p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestPoolSubmitAfter(t *testing.T) {
	timer := &fakeTimer{}
	p := NewPool("test", 1, timer, nil)

	var ran atomic.Int32
	p.SubmitAfter(time.Minute, func(context.Context) { ran.Add(1) })
	if p.Pending() != 1 {
		t.Errorf("expected the scheduled task to count as pending, got %d", p.Pending())
	}
	if ran.Load() != 0 {
		t.Error("expected nothing to run before the timer fires")
	}

	timer.fire()
	if runQueued(p) != 1 || ran.Load() != 1 {
		t.Error("expected the task to run once after the timer fired")
	}
	if p.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", p.Pending())
	}
}

func TestPoolSubmitAfterClosedDrops(t *testing.T) {
	timer := &fakeTimer{}
	p := NewPool("test", 1, timer, nil)
	p.SubmitAfter(time.Second, func(context.Context) { t.Error("dropped task ran") })
	p.Close(context.Background())

	timer.fire()
	if p.Pending() != 0 {
		t.Errorf("expected the dropped task to leave no pending count, got %d", p.Pending())
	}
}

func BenchmarkPoolSubmit(b *testing.B) {
	p := NewPool("bench", 4, nil, nil)
	p.Start()
	defer p.Close(context.Background())
	task := func(context.Context) {}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Submit(task)
	}
}
