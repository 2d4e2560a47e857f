package worker

import (
	"context"
	"errors"
	"time"

	"github.com/lupppig/snsbus/internal/logging"
	"github.com/lupppig/snsbus/internal/queue"
)

// idleBackoff is the sleep between empty polls: it starts at floor, doubles
// on every empty pass up to max and drops back to floor on a hit.
type idleBackoff struct {
	floor time.Duration
	max   time.Duration
	cur   time.Duration
}

func newIdleBackoff(floor, max time.Duration) *idleBackoff {
	if max < floor {
		max = floor
	}
	return &idleBackoff{floor: floor, max: max, cur: floor}
}

func (b *idleBackoff) Next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > b.max || b.cur <= 0 {
		b.cur = b.max
	}
	return d
}

func (b *idleBackoff) Reset() {
	b.cur = b.floor
}

// partitionLoop polls one queue until ctx is cancelled.
type partitionLoop struct {
	name      string
	queue     string
	transport queue.Transport
	// wait is the long-poll wait; zero polls and backs off when idle.
	wait          time.Duration
	backoff       *idleBackoff
	overloaded    func() bool
	overloadSleep time.Duration
	onOverload    func()
	process       func(ctx context.Context, m *queue.Message)
}

func (l *partitionLoop) run(ctx context.Context) {
	ctx = logging.WithWorker(ctx, l.name)
	log := logging.FromContext(ctx)
	log.Info("partition loop started", "code", "LOOP_START", "queue", l.queue)
	defer log.Info("partition loop stopped", "code", "LOOP_STOP", "queue", l.queue)

	for ctx.Err() == nil {
		if l.overloaded != nil && l.overloaded() {
			if l.onOverload != nil {
				l.onOverload()
			}
			sleep(ctx, l.overloadSleep)
			continue
		}

		m, err := l.transport.Receive(ctx, l.queue, l.wait)
		switch {
		case err != nil:
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			log.Warn("receive failed", "code", "QUEUE_ERROR", "queue", l.queue, "error", err)
			sleep(ctx, l.backoff.Next())
		case m == nil:
			if l.wait == 0 {
				sleep(ctx, l.backoff.Next())
			}
		default:
			l.backoff.Reset()
			// A dequeued message is processed to the end even during
			// shutdown.
			l.process(context.WithoutCancel(ctx), m)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
