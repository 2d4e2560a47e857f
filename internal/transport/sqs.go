package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/queue"
)

// SQS forwards messages to a queue on the dispatch queue transport. The
// endpoint is the queue name.
type SQS struct {
	queues queue.Transport
}

func NewSQS(queues queue.Transport) *SQS {
	return &SQS{queues: queues}
}

func (s *SQS) Protocol() domain.Protocol { return domain.ProtocolSQS }

func (s *SQS) Retryable() bool { return false }

func (s *SQS) Validate(endpoint string) error {
	if endpoint == "" || len(endpoint) > 80 || strings.IndexFunc(endpoint, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: sqs endpoint must be a queue name without spaces", domain.ErrInvalidParameter)
	}
	return nil
}

func (s *SQS) Send(ctx context.Context, d Delivery) error {
	payload, _, err := Render(d)
	if err != nil {
		return err
	}
	if _, err := s.queues.Send(ctx, d.Subscriber.Endpoint, payload); err != nil {
		if errors.Is(err, queue.ErrQueueNotFound) {
			return fmt.Errorf("%w: %w", domain.ErrSubscriberNotFound, err)
		}
		return fmt.Errorf("send to queue %s: %w", d.Subscriber.Endpoint, err)
	}
	return nil
}
