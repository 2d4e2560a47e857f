package worker

import (
	"context"
	"errors"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/logging"
	"github.com/lupppig/snsbus/internal/metrics"
	"github.com/lupppig/snsbus/internal/queue"
)

// produce fans one published message out into endpoint jobs. The source
// message is deleted once every job is enqueued, or when it can never be
// fanned out. Transient failures leave it for the visibility timeout.
func (s *Service) produce(ctx context.Context, queueName string, m *queue.Message) {
	ctx, timings := withTimings(ctx)
	log := logging.FromContext(ctx)

	stop := timings.Track("parse")
	msg, err := domain.ParseMessage(m.Body)
	stop()
	if err != nil {
		log.Error("dropping unparseable message", "code", "JOB_MALFORMED", "queue", queueName, "error", err)
		s.metrics.PublishMessages.WithLabelValues(metrics.ResultMalformed).Inc()
		s.deleteMessage(ctx, queueName, m.ReceiptHandle)
		return
	}

	ctx = logging.WithMessage(ctx, msg.MessageID, msg.TopicArn)
	log = logging.FromContext(ctx)

	if s.cfg.MessageExpiration > 0 && msg.Age(s.now()) > s.cfg.MessageExpiration {
		log.Warn("message expired before fan-out", "code", "JOB_EXPIRED", "age", msg.Age(s.now()))
		s.metrics.PublishMessages.WithLabelValues(metrics.ResultExpired).Inc()
		s.deleteMessage(ctx, queueName, m.ReceiptHandle)
		return
	}

	stop = timings.Track("lookup")
	infos, err := s.subs.GetSubInfos(ctx, msg.TopicArn)
	stop()
	switch {
	case errors.Is(err, domain.ErrTopicNotFound):
		log.Info("topic deleted before fan-out", "code", "JOB_TOPIC_GONE")
		s.metrics.PublishMessages.WithLabelValues(metrics.ResultTopicNotFound).Inc()
		s.deleteMessage(ctx, queueName, m.ReceiptHandle)
		return
	case err != nil:
		log.Error("subscriber lookup failed", "code", "DB_ERROR", "error", err)
		s.metrics.PublishMessages.WithLabelValues(metrics.ResultLookupError).Inc()
		return
	}

	if len(infos.Ordered) == 0 {
		s.metrics.PublishMessages.WithLabelValues(metrics.ResultNoSubscribers).Inc()
		s.deleteMessage(ctx, queueName, m.ReceiptHandle)
		return
	}

	jobs := domain.SplitJobs(msg, infos.Ordered, s.cfg.MaxSubscriptionsPerJob)
	stop = timings.Track("enqueue")
	for _, job := range jobs {
		body := job.Serialize()
		if s.cfg.UseCachedJobFormat {
			body = job.SerializeCached()
		}
		target := s.endpointQueues[s.pick(len(s.endpointQueues))]
		if _, err := s.queues.Send(ctx, target, body); err != nil {
			stop()
			log.Error("endpoint job enqueue failed", "code", "QUEUE_ERROR", "queue", target, "error", err)
			s.metrics.PublishMessages.WithLabelValues(metrics.ResultEnqueueError).Inc()
			return
		}
		s.metrics.EndpointJobs.Inc()
	}
	stop()

	s.deleteMessage(ctx, queueName, m.ReceiptHandle)
	s.metrics.PublishMessages.WithLabelValues(metrics.ResultFannedOut).Inc()
	log.Debug("message fanned out", append([]any{"code", "JOB_FANOUT",
		"subscribers", len(infos.Ordered), "jobs", len(jobs)}, timings.Attrs()...)...)
}
