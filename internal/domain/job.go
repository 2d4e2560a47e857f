package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultMaxSubscriptionsPerJob bounds the subscribers carried by one job.
const DefaultMaxSubscriptionsPerJob = 100

// cachedJobMarker prefixes the count line of the cached form, whose
// subscriber lines carry only the subscription ARN.
const cachedJobMarker = "C"

// EndpointPublishJob is one message plus a bounded, ordered slice of the
// topic's subscribers.
type EndpointPublishJob struct {
	Message     *Message
	Subscribers []SubscriberInfo

	// Missing lists subscription ARNs of a cached-form job that no longer
	// resolve. They are not part of Subscribers.
	Missing []string
}

// SplitJobs cuts subs into ceil(len(subs)/max) jobs preserving order.
func SplitJobs(msg *Message, subs []SubscriberInfo, max int) []*EndpointPublishJob {
	if max <= 0 {
		max = DefaultMaxSubscriptionsPerJob
	}
	jobs := make([]*EndpointPublishJob, 0, (len(subs)+max-1)/max)
	for start := 0; start < len(subs); start += max {
		end := start + max
		if end > len(subs) {
			end = len(subs)
		}
		jobs = append(jobs, &EndpointPublishJob{
			Message:     msg,
			Subscribers: subs[start:end:end],
		})
	}
	return jobs
}

// Serialize renders the full form: count, one subscriber per line, then the
// serialized message.
func (j *EndpointPublishJob) Serialize() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(j.Subscribers)))
	b.WriteByte('\n')
	for _, s := range j.Subscribers {
		b.WriteString(s.Serialize())
		b.WriteByte('\n')
	}
	b.WriteString(j.Message.Serialize())
	return b.String()
}

// SerializeCached renders the short form that names subscribers by ARN only.
// The consumer resolves them through the subscription cache.
func (j *EndpointPublishJob) SerializeCached() string {
	var b strings.Builder
	b.WriteString(cachedJobMarker)
	b.WriteString(strconv.Itoa(len(j.Subscribers)))
	b.WriteByte('\n')
	for _, s := range j.Subscribers {
		b.WriteString(s.SubscriptionArn)
		b.WriteByte('\n')
	}
	b.WriteString(j.Message.Serialize())
	return b.String()
}

// SubscriberResolver returns a topic's confirmed subscribers keyed by
// subscription ARN. It reports ErrTopicNotFound for deleted topics.
type SubscriberResolver func(topicArn string) (map[string]SubscriberInfo, error)

// ParseEndpointPublishJob reads either form. resolve is only consulted for
// the cached form and may be nil otherwise.
func ParseEndpointPublishJob(s string, resolve SubscriberResolver) (*EndpointPublishJob, error) {
	countLine, rest, ok := strings.Cut(s, "\n")
	if !ok {
		return nil, fmt.Errorf("%w: missing subscriber count", ErrMalformedJob)
	}
	cached := strings.HasPrefix(countLine, cachedJobMarker)
	count, err := strconv.Atoi(strings.TrimPrefix(countLine, cachedJobMarker))
	if err != nil || count < 0 {
		return nil, fmt.Errorf("%w: bad subscriber count %q", ErrMalformedJob, countLine)
	}

	lines := make([]string, count)
	for i := 0; i < count; i++ {
		lines[i], rest, ok = strings.Cut(rest, "\n")
		if !ok {
			return nil, fmt.Errorf("%w: expected %d subscribers, got %d", ErrMalformedJob, count, i)
		}
	}
	msg, err := ParseMessage(rest)
	if err != nil {
		return nil, err
	}

	job := &EndpointPublishJob{Message: msg, Subscribers: make([]SubscriberInfo, 0, count)}
	if !cached {
		for _, line := range lines {
			info, err := ParseSubscriberInfo(line)
			if err != nil {
				return nil, err
			}
			job.Subscribers = append(job.Subscribers, info)
		}
		return job, nil
	}

	if resolve == nil {
		return nil, fmt.Errorf("%w: cached job without a resolver", ErrMalformedJob)
	}
	infos, err := resolve(msg.TopicArn)
	if err != nil {
		return nil, err
	}
	for _, arn := range lines {
		if info, ok := infos[arn]; ok {
			job.Subscribers = append(job.Subscribers, info)
		} else {
			job.Missing = append(job.Missing, arn)
		}
	}
	return job, nil
}
