// Package memory is an in-process queue with visibility timeouts.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lupppig/snsbus/internal/queue"
)

type message struct {
	id       string
	body     string
	deadline time.Time
}

type memQueue struct {
	ready    []*message
	inflight map[string]*message
	notify   chan struct{}
}

// Transport keeps every queue in memory. Messages do not survive a restart.
type Transport struct {
	mu         sync.Mutex
	queues     map[string]*memQueue
	visibility time.Duration
	closed     bool
	now        func() time.Time
}

// New builds a transport whose received messages stay hidden for
// visibility unless extended.
func New(visibility time.Duration) *Transport {
	return &Transport{
		queues:     make(map[string]*memQueue),
		visibility: visibility,
		now:        time.Now,
	}
}

func (t *Transport) queueLocked(name string) (*memQueue, error) {
	if t.closed {
		return nil, fmt.Errorf("%w: transport closed", queue.ErrUnavailable)
	}
	q, ok := t.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	return q, nil
}

func (t *Transport) EnsureQueues(ctx context.Context, prefix string, count int) ([]string, error) {
	names := queue.Names(prefix, count)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range names {
		t.createLocked(name)
	}
	return names, nil
}

// CreateQueue provisions a single named queue.
func (t *Transport) CreateQueue(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.createLocked(name)
}

func (t *Transport) createLocked(name string) {
	if _, ok := t.queues[name]; !ok {
		t.queues[name] = &memQueue{
			inflight: make(map[string]*message),
			notify:   make(chan struct{}, 1),
		}
	}
}

func (t *Transport) Send(ctx context.Context, name, body string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, err := t.queueLocked(name)
	if err != nil {
		return "", err
	}
	m := &message{id: uuid.NewString(), body: body}
	q.ready = append(q.ready, m)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return m.id, nil
}

func (t *Transport) Receive(ctx context.Context, name string, wait time.Duration) (*queue.Message, error) {
	deadline := t.now().Add(wait)
	for {
		t.mu.Lock()
		q, err := t.queueLocked(name)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		now := t.now()
		next := t.requeueExpiredLocked(q, now)
		if len(q.ready) > 0 {
			m := q.ready[0]
			q.ready[0] = nil
			q.ready = q.ready[1:]
			handle := uuid.NewString()
			m.deadline = now.Add(t.visibility)
			q.inflight[handle] = m
			t.mu.Unlock()
			return &queue.Message{ID: m.id, Body: m.body, ReceiptHandle: handle}, nil
		}
		notify := q.notify
		t.mu.Unlock()

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, nil
		}
		if !next.IsZero() && next.Sub(now) < remaining {
			remaining = next.Sub(now)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// requeueExpiredLocked makes lapsed in-flight messages visible again and
// returns the earliest remaining in-flight deadline.
func (t *Transport) requeueExpiredLocked(q *memQueue, now time.Time) time.Time {
	var next time.Time
	for handle, m := range q.inflight {
		if !m.deadline.After(now) {
			delete(q.inflight, handle)
			q.ready = append(q.ready, m)
			continue
		}
		if next.IsZero() || m.deadline.Before(next) {
			next = m.deadline
		}
	}
	return next
}

func (t *Transport) Delete(ctx context.Context, name, receiptHandle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, err := t.queueLocked(name)
	if err != nil {
		return err
	}
	if _, ok := q.inflight[receiptHandle]; !ok {
		return fmt.Errorf("%w: %s", queue.ErrUnknownReceipt, receiptHandle)
	}
	delete(q.inflight, receiptHandle)
	return nil
}

func (t *Transport) ExtendVisibility(ctx context.Context, name, receiptHandle string, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, err := t.queueLocked(name)
	if err != nil {
		return err
	}
	m, ok := q.inflight[receiptHandle]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrUnknownReceipt, receiptHandle)
	}
	m.deadline = t.now().Add(timeout)
	return nil
}

// Depth reports visible and in-flight message counts of a queue.
func (t *Transport) Depth(name string) (visible, inflight int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[name]
	if !ok {
		return 0, 0
	}
	return len(q.ready), len(q.inflight)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
