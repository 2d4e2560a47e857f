// Package queue defines the message queue the dispatch pipeline runs on.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable marks transient failures of the queue service. The
	// caller keeps the message and retries later.
	ErrUnavailable    = errors.New("queue service unavailable")
	ErrQueueNotFound  = errors.New("queue not found")
	ErrUnknownReceipt = errors.New("unknown receipt handle")
)

// Message is one received queue message. ReceiptHandle identifies this
// receipt; a message received again gets a new handle.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Transport is an at-least-once queue with visibility timeouts. A received
// message stays invisible until it is deleted or its timeout lapses, after
// which it is delivered again.
type Transport interface {
	Send(ctx context.Context, queue, body string) (string, error)
	// Receive returns nil without error when no message arrived within wait.
	// wait == 0 polls once.
	Receive(ctx context.Context, queue string, wait time.Duration) (*Message, error)
	Delete(ctx context.Context, queue, receiptHandle string) error
	// ExtendVisibility keeps a received message hidden for timeout from now.
	ExtendVisibility(ctx context.Context, queue, receiptHandle string, timeout time.Duration) error
	// EnsureQueues idempotently provisions prefix-0 .. prefix-(count-1).
	EnsureQueues(ctx context.Context, prefix string, count int) ([]string, error)
	Close() error
}

// Name is the name of partition i of a partitioned queue set.
func Name(prefix string, i int) string {
	return fmt.Sprintf("%s-%d", prefix, i)
}

// Names lists every partition of a queue set.
func Names(prefix string, count int) []string {
	names := make([]string, count)
	for i := range names {
		names[i] = Name(prefix, i)
	}
	return names
}
