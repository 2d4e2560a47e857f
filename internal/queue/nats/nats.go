// Package nats runs the queue transport on NATS JetStream work-queue streams.
// Each queue is a stream with one durable pull consumer; acking deletes a
// message and the consumer's AckWait is its visibility timeout.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/lupppig/snsbus/internal/logging"
	"github.com/lupppig/snsbus/internal/queue"
)

const (
	SubjectPrefix = "snsbus.queue."
	ConsumerName  = "dispatch"
)

type held struct {
	queue    string
	msg      jetstream.Msg
	deadline time.Time
	stop     chan struct{}
}

type Transport struct {
	conn       *nats.Conn
	js         jetstream.JetStream
	visibility time.Duration

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	held      map[string]*held
}

// MinVisibility is the shortest AckWait accepted. Heartbeats fire every half
// visibility and JetStream tracks AckWait at second granularity.
const MinVisibility = time.Second

func New(ctx context.Context, url string, visibility time.Duration) (*Transport, error) {
	if visibility < MinVisibility {
		return nil, fmt.Errorf("visibility timeout %v is below %v", visibility, MinVisibility)
	}
	conn, err := nats.Connect(url, nats.Name("snsbus"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Transport{
		conn:       conn,
		js:         js,
		visibility: visibility,
		consumers:  make(map[string]jetstream.Consumer),
		held:       make(map[string]*held),
	}, nil
}

func subject(name string) string {
	return SubjectPrefix + name
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", queue.ErrUnavailable, op, err)
}

func (t *Transport) EnsureQueues(ctx context.Context, prefix string, count int) ([]string, error) {
	names := queue.Names(prefix, count)
	for _, name := range names {
		if err := t.ensureQueue(ctx, name); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (t *Transport) ensureQueue(ctx context.Context, name string) error {
	stream, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject(name)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return unavailable("create stream "+name, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:    ConsumerName,
		AckPolicy:  jetstream.AckExplicitPolicy,
		AckWait:    t.visibility,
		MaxDeliver: -1,
	})
	if err != nil {
		return unavailable("create consumer "+name, err)
	}

	t.mu.Lock()
	t.consumers[name] = consumer
	t.mu.Unlock()
	return nil
}

func (t *Transport) consumer(ctx context.Context, name string) (jetstream.Consumer, error) {
	t.mu.Lock()
	c, ok := t.consumers[name]
	t.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := t.js.Consumer(ctx, name, ConsumerName)
	if errors.Is(err, jetstream.ErrStreamNotFound) || errors.Is(err, jetstream.ErrConsumerNotFound) {
		return nil, fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	if err != nil {
		return nil, unavailable("lookup consumer "+name, err)
	}

	t.mu.Lock()
	t.consumers[name] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Send(ctx context.Context, name, body string) (string, error) {
	id := uuid.NewString()
	_, err := t.js.Publish(ctx, subject(name), []byte(body), jetstream.WithMsgID(id), jetstream.WithExpectStream(name))
	if errors.Is(err, jetstream.ErrNoStreamResponse) || errors.Is(err, jetstream.ErrStreamNotFound) {
		return "", fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	if err != nil {
		return "", unavailable("publish", err)
	}
	return id, nil
}

func (t *Transport) Receive(ctx context.Context, name string, wait time.Duration) (*queue.Message, error) {
	t.pruneHeld()

	c, err := t.consumer(ctx, name)
	if err != nil {
		return nil, err
	}

	var batch jetstream.MessageBatch
	if wait > 0 {
		batch, err = c.Fetch(1, jetstream.FetchMaxWait(wait))
	} else {
		batch, err = c.FetchNoWait(1)
	}
	if err != nil {
		return nil, unavailable("fetch", err)
	}

	var msg jetstream.Msg
	for m := range batch.Messages() {
		msg = m
	}
	if msg == nil {
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			return nil, unavailable("fetch", err)
		}
		return nil, nil
	}

	handle := uuid.NewString()
	t.mu.Lock()
	t.held[handle] = &held{queue: name, msg: msg, deadline: time.Now().Add(t.visibility)}
	t.mu.Unlock()

	id := msg.Headers().Get(jetstream.MsgIDHeader)
	if id == "" {
		if meta, err := msg.Metadata(); err == nil {
			id = fmt.Sprintf("%s:%d", name, meta.Sequence.Stream)
		}
	}
	return &queue.Message{ID: id, Body: string(msg.Data()), ReceiptHandle: handle}, nil
}

// pruneHeld forgets receipts whose visibility lapsed; the server has
// redelivered those messages under a new receipt.
func (t *Transport) pruneHeld() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for handle, h := range t.held {
		if h.stop == nil && now.After(h.deadline) {
			delete(t.held, handle)
		}
	}
}

func (t *Transport) take(name, handle string) (*held, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.held[handle]
	if !ok || h.queue != name {
		return nil, fmt.Errorf("%w: %s", queue.ErrUnknownReceipt, handle)
	}
	delete(t.held, handle)
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	return h, nil
}

func (t *Transport) Delete(ctx context.Context, name, receiptHandle string) error {
	h, err := t.take(name, receiptHandle)
	if err != nil {
		return err
	}
	if err := h.msg.DoubleAck(ctx); err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// ExtendVisibility resets the ack timer and, when timeout is longer than
// AckWait, keeps resetting it until timeout has passed.
func (t *Transport) ExtendVisibility(ctx context.Context, name, receiptHandle string, timeout time.Duration) error {
	t.mu.Lock()
	h, ok := t.held[receiptHandle]
	if !ok || h.queue != name {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", queue.ErrUnknownReceipt, receiptHandle)
	}
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	until := time.Now().Add(timeout)
	h.deadline = until
	var stop chan struct{}
	if timeout > t.visibility {
		stop = make(chan struct{})
		h.stop = stop
	}
	msg := h.msg
	t.mu.Unlock()

	if err := msg.InProgress(); err != nil {
		return unavailable("in progress", err)
	}
	if stop != nil {
		go t.heartbeat(ctx, receiptHandle, msg, until, stop)
	}
	return nil
}

func (t *Transport) heartbeat(ctx context.Context, handle string, msg jetstream.Msg, until time.Time, stop chan struct{}) {
	ticker := time.NewTicker(t.visibility / 2)
	defer ticker.Stop()
	logger := logging.FromContext(ctx)
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if now.After(until) {
				t.mu.Lock()
				if h, ok := t.held[handle]; ok && h.stop == stop {
					h.stop = nil
				}
				t.mu.Unlock()
				return
			}
			if err := msg.InProgress(); err != nil {
				logger.Warn("visibility heartbeat failed", "code", "QUEUE_ERROR", "error", err)
			}
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	for handle, h := range t.held {
		if h.stop != nil {
			close(h.stop)
		}
		delete(t.held, handle)
	}
	t.mu.Unlock()

	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
