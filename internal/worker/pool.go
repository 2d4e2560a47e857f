package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lupppig/snsbus/internal/logging"
)

var ErrPoolClosed = errors.New("pool closed")

// Task is one unit of delivery work. ctx is cancelled only when shutdown
// runs out of time.
type Task func(ctx context.Context)

// Timer runs f once after d without holding a goroutine for the wait.
type Timer interface {
	AfterFunc(d time.Duration, f func())
}

type realTimer struct{}

func (realTimer) AfterFunc(d time.Duration, f func()) {
	time.AfterFunc(d, f)
}

// Pool is a fixed set of workers draining an unbounded task queue. Submit
// never blocks; callers read Pending to decide whether to take more work.
type Pool struct {
	name    string
	workers int
	timer   Timer
	pending prometheus.Gauge

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []Task
	closed bool

	scheduled atomic.Int64
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewPool(name string, workers int, timer Timer, pending prometheus.Gauge) *Pool {
	if timer == nil {
		timer = realTimer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		workers: workers,
		timer:   timer,
		pending: pending,
		ctx:     logging.WithWorker(ctx, name),
		cancel:  cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.tasks) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.mu.Unlock()
		p.observe()

		task(p.ctx)
	}
}

// Submit queues task for the next free worker.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.tasks = append(p.tasks, task)
	p.mu.Unlock()
	p.cond.Signal()
	p.observe()
	return nil
}

// SubmitAfter queues task once d has elapsed. Tasks whose timer fires after
// Close are dropped; their queue messages become visible again.
func (p *Pool) SubmitAfter(d time.Duration, task Task) {
	p.scheduled.Add(1)
	p.observe()
	p.timer.AfterFunc(d, func() {
		p.scheduled.Add(-1)
		if err := p.Submit(task); err != nil {
			logging.FromContext(p.ctx).Warn("scheduled task dropped", "code", "POOL_CLOSED", "delay", d)
			p.observe()
		}
	})
}

// Pending counts queued and scheduled tasks.
func (p *Pool) Pending() int {
	p.mu.Lock()
	n := len(p.tasks)
	p.mu.Unlock()
	return n + int(p.scheduled.Load())
}

func (p *Pool) observe() {
	if p.pending != nil {
		p.pending.Set(float64(p.Pending()))
	}
}

// Close stops accepting tasks and waits for queued ones to finish. When ctx
// ends first, running tasks are cancelled and ctx.Err is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
