package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/logging"
	"github.com/lupppig/snsbus/internal/metrics"
	"github.com/lupppig/snsbus/internal/queue"
)

// jobTracker counts the subscribers of one endpoint job that have not yet
// reached a final outcome. The task that brings it to zero deletes the job
// message.
type jobTracker struct {
	remaining atomic.Int64
	onDone    func()

	// mu serializes visibility extensions of the job message.
	mu sync.Mutex
	// deadline is the latest visibility deadline the queue accepted.
	deadline time.Time
}

func newJobTracker(n int, onDone func()) *jobTracker {
	j := &jobTracker{onDone: onDone}
	j.remaining.Store(int64(n))
	return j
}

// done records one final outcome and reports whether it was the last.
func (j *jobTracker) done() bool {
	if j.remaining.Add(-1) != 0 {
		return false
	}
	j.onDone()
	return true
}

// extendTo calls apply to push the job's visibility deadline to t, unless an
// earlier extension already covers t. The check and apply run under one
// lock, so extensions reach the queue in increasing deadline order and a
// sibling task never shortens another's wait. A failed apply leaves the
// recorded deadline unchanged.
func (j *jobTracker) extendTo(t time.Time, apply func() error) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !t.After(j.deadline) {
		return false, nil
	}
	if err := apply(); err != nil {
		return false, err
	}
	j.deadline = t
	return true, nil
}

// consume turns one endpoint job into a delivery task per subscriber.
func (s *Service) consume(ctx context.Context, queueName string, m *queue.Message) {
	ctx, timings := withTimings(ctx)
	log := logging.FromContext(ctx)

	stop := timings.Track("parse")
	job, err := domain.ParseEndpointPublishJob(m.Body, s.subs.Resolver(ctx))
	stop()
	switch {
	case errors.Is(err, domain.ErrTopicNotFound):
		log.Info("topic deleted before delivery", "code", "JOB_TOPIC_GONE", "queue", queueName)
		s.deleteMessage(ctx, queueName, m.ReceiptHandle)
		return
	case errors.Is(err, domain.ErrMalformedJob), errors.Is(err, domain.ErrMalformedMessage):
		log.Error("dropping unparseable endpoint job", "code", "JOB_MALFORMED", "queue", queueName, "error", err)
		s.deleteMessage(ctx, queueName, m.ReceiptHandle)
		return
	case err != nil:
		log.Error("endpoint job lookup failed", "code", "DB_ERROR", "queue", queueName, "error", err)
		return
	}

	ctx = logging.WithMessage(ctx, job.Message.MessageID, job.Message.TopicArn)
	log = logging.FromContext(ctx)
	for _, arn := range job.Missing {
		log.Info("subscriber gone before delivery", "code", "DEL_ABANDONED", "subscription_arn", arn)
		s.metrics.Deliveries.WithLabelValues("unknown", metrics.OutcomeAbandoned).Inc()
	}
	if len(job.Subscribers) == 0 {
		s.deleteMessage(ctx, queueName, m.ReceiptHandle)
		return
	}

	receipt := m.ReceiptHandle
	tracker := newJobTracker(len(job.Subscribers), func() {
		s.deleteMessage(context.WithoutCancel(ctx), queueName, receipt)
		s.metrics.JobsCompleted.Inc()
		log.Debug("endpoint job complete", append([]any{"code", "JOB_DONE"}, timings.Attrs()...)...)
	})

	stop = timings.Track("submit")
	defer stop()
	for _, sub := range job.Subscribers {
		task := &deliveryTask{
			svc:     s,
			msg:     job.Message,
			sub:     sub,
			queue:   queueName,
			receipt: receipt,
			job:     tracker,
			timings: timings,
		}
		if err := s.delivery.Submit(task.run); err != nil {
			// The job stays undeleted and is redelivered after its
			// visibility timeout.
			log.Warn("delivery pool closed, leaving job for redelivery", "code", "POOL_CLOSED")
			return
		}
	}
}
