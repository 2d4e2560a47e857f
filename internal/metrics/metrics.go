// Package metrics holds the prometheus collectors of the dispatch pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "snsbus"

	resultLabel   = "result"
	protocolLabel = "protocol"
	outcomeLabel  = "outcome"
	phaseLabel    = "phase"
	poolLabel     = "pool"
	cacheLabel    = "cache"
)

// Publish message results.
const (
	ResultFannedOut     = "fanned_out"
	ResultNoSubscribers = "no_subscribers"
	ResultExpired       = "expired"
	ResultTopicNotFound = "topic_not_found"
	ResultMalformed     = "malformed"
	ResultLookupError   = "lookup_error"
	ResultEnqueueError  = "enqueue_error"
)

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
	OutcomeAbandoned = "abandoned"
)

type Metrics struct {
	PublishMessages  *prometheus.CounterVec
	EndpointJobs     prometheus.Counter
	JobsCompleted    prometheus.Counter
	Deliveries       *prometheus.CounterVec
	Retries          *prometheus.CounterVec
	Throttled        prometheus.Counter
	EndpointFailures *prometheus.CounterVec
	PoolPending      *prometheus.GaugeVec
	CacheLookups     *prometheus.CounterVec
	DeliveryLatency  *prometheus.HistogramVec
	Overloaded       *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry so
// repeated construction in tests does not collide.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		PublishMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_messages_total",
			Help:      "Published messages taken off the publish queues, by result.",
		}, []string{resultLabel}),

		EndpointJobs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_jobs_enqueued_total",
			Help:      "Endpoint publish jobs sent to the endpoint job queues.",
		}),

		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_jobs_completed_total",
			Help:      "Endpoint publish jobs whose every subscriber reached a final outcome.",
		}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by protocol and outcome.",
		}, []string{protocolLabel, outcomeLabel}),

		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Retries scheduled, by retry phase.",
		}, []string{phaseLabel}),

		Throttled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_throttled_total",
			Help:      "Delivery attempts deferred by a subscription throttle policy.",
		}),

		EndpointFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "endpoint_failures_total",
			Help:      "Failed delivery attempts recorded by the endpoint health monitor.",
		}, []string{protocolLabel}),

		PoolPending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_pending_tasks",
			Help:      "Tasks waiting in a delivery pool, including scheduled redeliveries.",
		}, []string{poolLabel}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache and result.",
		}, []string{cacheLabel, resultLabel}),

		DeliveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in a single send to an endpoint.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{protocolLabel}),

		Overloaded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overload_skips_total",
			Help:      "Poll iterations skipped because delivery capacity was exhausted.",
		}, []string{"worker"}),
	}
}

// Nop returns collectors bound to a throwaway registry.
func Nop() *Metrics {
	return New(nil)
}
