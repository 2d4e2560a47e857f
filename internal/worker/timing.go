package worker

import (
	"context"
	"sync"
	"time"
)

type timingsKey struct{}

// Timings accumulates time spent per stage while one queue message is
// processed. It travels on the context from the loop that dequeued the
// message to every delivery task spawned for it.
type Timings struct {
	mu     sync.Mutex
	start  time.Time
	stages map[string]time.Duration
}

func withTimings(ctx context.Context) (context.Context, *Timings) {
	t := &Timings{start: time.Now(), stages: make(map[string]time.Duration)}
	return context.WithValue(ctx, timingsKey{}, t), t
}

func withExistingTimings(ctx context.Context, t *Timings) context.Context {
	if t == nil {
		return ctx
	}
	return context.WithValue(ctx, timingsKey{}, t)
}

// TimingsFrom returns the accumulator on ctx, or nil.
func TimingsFrom(ctx context.Context) *Timings {
	t, _ := ctx.Value(timingsKey{}).(*Timings)
	return t
}

// Track starts timing stage and returns the function that stops it. A nil
// receiver tracks nothing.
func (t *Timings) Track(stage string) func() {
	if t == nil {
		return func() {}
	}
	began := time.Now()
	return func() {
		d := time.Since(began)
		t.mu.Lock()
		t.stages[stage] += d
		t.mu.Unlock()
	}
}

func (t *Timings) Stage(stage string) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stages[stage]
}

// Attrs renders the stages as slog key-value pairs, with the total elapsed
// time under "elapsed".
func (t *Timings) Attrs() []any {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	attrs := make([]any, 0, 2*len(t.stages)+2)
	attrs = append(attrs, "elapsed", time.Since(t.start))
	for stage, d := range t.stages {
		attrs = append(attrs, stage, d)
	}
	return attrs
}
