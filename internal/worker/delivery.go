package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/events"
	"github.com/lupppig/snsbus/internal/logging"
	"github.com/lupppig/snsbus/internal/metrics"
	"github.com/lupppig/snsbus/internal/retry"
	"github.com/lupppig/snsbus/internal/transport"
)

// deliveryTask delivers one message to one subscriber, retrying on the
// redelivery pool until it succeeds or the retry policy is spent. A task
// is only ever queued once at a time, so its attempts are sequential.
type deliveryTask struct {
	svc     *Service
	msg     *domain.Message
	sub     domain.SubscriberInfo
	queue   string
	receipt string
	job     *jobTracker
	timings *Timings

	// retries counts retries already taken, not the first attempt.
	retries int
	// reserved is set while the task waits out a throttle reservation.
	reserved bool
	finished atomic.Bool
}

func (t *deliveryTask) run(ctx context.Context) {
	if ctx.Err() != nil {
		// Shutdown ran out of time. The job message becomes visible again.
		return
	}
	s := t.svc
	ctx = withExistingTimings(ctx, t.timings)
	ctx = logging.WithMessage(ctx, t.msg.MessageID, t.msg.TopicArn)
	ctx = logging.WithSubscription(ctx, t.sub.SubscriptionArn)
	log := logging.FromContext(ctx)

	policy, err := s.policies.Effective(ctx, t.msg.TopicArn, t.sub.SubscriptionArn)
	switch {
	case errors.Is(err, domain.ErrTopicNotFound), errors.Is(err, domain.ErrSubscriberNotFound):
		log.Info("subscription gone, abandoning delivery", "code", "DEL_ABANDONED", "error", err)
		s.throttles.forget(t.sub.SubscriptionArn)
		t.finish(metrics.OutcomeAbandoned, events.DeliveryStatusFailed, err.Error())
		return
	case err != nil:
		log.Warn("delivery policy lookup failed, using defaults", "code", "DB_ERROR", "error", err)
		policy = domain.DeliveryPolicy{Healthy: s.cfg.DefaultRetry}
	}

	if t.reserved {
		t.reserved = false
	} else if policy.Throttle.Throttled() {
		if d := s.throttles.reserve(t.sub.SubscriptionArn, policy.Throttle.MaxReceivesPerSecond, s.now()); d > 0 {
			t.reserved = true
			s.metrics.Throttled.Inc()
			t.publish(events.DeliveryStatusThrottled, "", "", d)
			t.extendVisibility(ctx, d)
			s.redelivery.SubmitAfter(d, t.run)
			return
		}
	}

	scheduler := retry.NewScheduler(policy.Healthy)
	for {
		err := t.attempt(ctx)
		if err == nil {
			log.Debug("delivered", "code", "DEL_OK", "attempt", t.retries+1)
			t.finish(metrics.OutcomeDelivered, events.DeliveryStatusDelivered, "")
			return
		}
		if ctx.Err() != nil {
			return
		}

		if transport.Permanent(err) || !s.sender.Retryable(t.sub.Protocol) {
			log.Warn("delivery failed", "code", "DEL_FAILED", "protocol", t.sub.Protocol.String(), "error", err)
			t.finish(metrics.OutcomeFailed, events.DeliveryStatusFailed, err.Error())
			return
		}

		decision := scheduler.Next(t.retries)
		switch decision.Phase {
		case retry.PhaseExhausted:
			log.Error("delivery retries exhausted", "code", "DEL_EXHAUSTED",
				"attempts", t.retries+1, "endpoint", t.sub.Endpoint, "error", err)
			t.finish(metrics.OutcomeExhausted, events.DeliveryStatusExhausted, err.Error())
			return
		case retry.PhaseImmediateRetry:
			t.retries++
			s.metrics.Retries.WithLabelValues(decision.Phase.String()).Inc()
			t.publish(events.DeliveryStatusRetrying, decision.Phase.String(), err.Error(), 0)
		default:
			t.retries++
			s.metrics.Retries.WithLabelValues(decision.Phase.String()).Inc()
			t.publish(events.DeliveryStatusRetrying, decision.Phase.String(), err.Error(), decision.Delay)
			log.Info("retry scheduled", "code", "DEL_RETRY", "phase", decision.Phase.String(),
				"delay", decision.Delay, "retry", t.retries, "error", err)
			t.extendVisibility(ctx, decision.Delay)
			s.redelivery.SubmitAfter(decision.Delay, t.run)
			return
		}
	}
}

func (t *deliveryTask) attempt(ctx context.Context) error {
	s := t.svc
	stop := t.timings.Track("send")
	err := s.sender.Send(ctx, transport.Delivery{Message: t.msg, Subscriber: t.sub})
	stop()
	if err != nil {
		s.health.RecordFailure(t.sub, t.msg.MessageID, err.Error())
		return err
	}
	s.health.RecordSuccess(t.sub)
	return nil
}

// extendVisibility keeps the job message hidden until the next attempt is
// due, plus the configured buffer.
func (t *deliveryTask) extendVisibility(ctx context.Context, delay time.Duration) {
	s := t.svc
	timeout := delay + s.cfg.VisibilityBuffer
	_, err := t.job.extendTo(s.now().Add(timeout), func() error {
		return s.queues.ExtendVisibility(ctx, t.queue, t.receipt, timeout)
	})
	if err != nil {
		logging.FromContext(ctx).Warn("visibility extension failed", "code", "QUEUE_ERROR",
			"queue", t.queue, "timeout", timeout, "error", err)
	}
}

// finish records the final outcome once and releases the task's share of
// the job.
func (t *deliveryTask) finish(outcome string, status events.DeliveryStatus, detail string) {
	if !t.finished.CompareAndSwap(false, true) {
		return
	}
	t.svc.metrics.Deliveries.WithLabelValues(t.sub.Protocol.String(), outcome).Inc()
	t.publish(status, "", detail, 0)
	t.job.done()
}

func (t *deliveryTask) publish(status events.DeliveryStatus, phase, detail string, delay time.Duration) {
	t.svc.events.Publish(events.DeliveryEvent{
		MessageID:       t.msg.MessageID,
		TopicArn:        t.msg.TopicArn,
		SubscriptionArn: t.sub.SubscriptionArn,
		Protocol:        t.sub.Protocol.String(),
		Endpoint:        t.sub.Endpoint,
		Status:          status,
		Detail:          detail,
		Attempt:         t.retries + 1,
		Phase:           phase,
		Delay:           delay,
		Timestamp:       t.svc.now(),
	})
}
