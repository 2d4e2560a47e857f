package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BackoffFunction shapes delays between minDelayTarget and maxDelayTarget
// during the backoff phase of a retry policy.
type BackoffFunction string

const (
	BackoffLinear      BackoffFunction = "linear"
	BackoffArithmetic  BackoffFunction = "arithmetic"
	BackoffGeometric   BackoffFunction = "geometric"
	BackoffExponential BackoffFunction = "exponential"
)

func (f BackoffFunction) Valid() bool {
	switch f {
	case BackoffLinear, BackoffArithmetic, BackoffGeometric, BackoffExponential:
		return true
	}
	return false
}

const (
	MaxDelayTargetSeconds = 3600
	MaxNumRetries         = 100
)

// RetryPolicy partitions NumRetries into immediate, min-delay, backoff and
// max-delay phases. The backoff phase gets whatever the other three leave.
type RetryPolicy struct {
	MinDelayTarget     int             `json:"minDelayTarget"`
	MaxDelayTarget     int             `json:"maxDelayTarget"`
	NumRetries         int             `json:"numRetries"`
	NumNoDelayRetries  int             `json:"numNoDelayRetries"`
	NumMinDelayRetries int             `json:"numMinDelayRetries"`
	NumMaxDelayRetries int             `json:"numMaxDelayRetries"`
	BackoffFunction    BackoffFunction `json:"backoffFunction"`
}

// DefaultRetryPolicy is applied when neither topic nor subscription sets one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MinDelayTarget:  20,
		MaxDelayTarget:  20,
		NumRetries:      3,
		BackoffFunction: BackoffLinear,
	}
}

// NumBackoffRetries is the budget left for the backoff phase.
func (p RetryPolicy) NumBackoffRetries() int {
	n := p.NumRetries - p.NumNoDelayRetries - p.NumMinDelayRetries - p.NumMaxDelayRetries
	if n < 0 {
		return 0
	}
	return n
}

func (p RetryPolicy) Validate() error {
	switch {
	case p.MinDelayTarget < 0 || p.MinDelayTarget > MaxDelayTargetSeconds:
		return fmt.Errorf("%w: minDelayTarget must be between 0 and %d", ErrInvalidPolicy, MaxDelayTargetSeconds)
	case p.MaxDelayTarget < 0 || p.MaxDelayTarget > MaxDelayTargetSeconds:
		return fmt.Errorf("%w: maxDelayTarget must be between 0 and %d", ErrInvalidPolicy, MaxDelayTargetSeconds)
	case p.MinDelayTarget > p.MaxDelayTarget:
		return fmt.Errorf("%w: minDelayTarget must be less than or equal to maxDelayTarget", ErrInvalidPolicy)
	case p.NumRetries < 0 || p.NumRetries > MaxNumRetries:
		return fmt.Errorf("%w: numRetries must be between 0 and %d", ErrInvalidPolicy, MaxNumRetries)
	case p.NumNoDelayRetries < 0 || p.NumMinDelayRetries < 0 || p.NumMaxDelayRetries < 0:
		return fmt.Errorf("%w: retry counts must not be negative", ErrInvalidPolicy)
	case p.NumNoDelayRetries+p.NumMinDelayRetries+p.NumMaxDelayRetries > p.NumRetries:
		return fmt.Errorf("%w: numNoDelayRetries + numMinDelayRetries + numMaxDelayRetries must not exceed numRetries", ErrInvalidPolicy)
	case !p.BackoffFunction.Valid():
		return fmt.Errorf("%w: unknown backoffFunction %q", ErrInvalidPolicy, p.BackoffFunction)
	}
	return nil
}

type ThrottlePolicy struct {
	MaxReceivesPerSecond int `json:"maxReceivesPerSecond,omitempty"`
}

// Throttled reports whether a receive rate limit is set.
func (t *ThrottlePolicy) Throttled() bool {
	return t != nil && t.MaxReceivesPerSecond > 0
}

func (t *ThrottlePolicy) Validate() error {
	if t != nil && t.MaxReceivesPerSecond < 0 {
		return fmt.Errorf("%w: maxReceivesPerSecond must be positive", ErrInvalidPolicy)
	}
	return nil
}

// DeliveryPolicy is the subscription-level policy.
type DeliveryPolicy struct {
	Healthy  RetryPolicy     `json:"healthyRetryPolicy"`
	Sickly   *RetryPolicy    `json:"sicklyRetryPolicy,omitempty"`
	Throttle *ThrottlePolicy `json:"throttlePolicy,omitempty"`
}

func DefaultDeliveryPolicy(healthy RetryPolicy) *DeliveryPolicy {
	return &DeliveryPolicy{Healthy: healthy}
}

func (d *DeliveryPolicy) Validate() error {
	if err := d.Healthy.Validate(); err != nil {
		return fmt.Errorf("healthyRetryPolicy: %w", err)
	}
	if d.Sickly != nil {
		if err := d.Sickly.Validate(); err != nil {
			return fmt.Errorf("sicklyRetryPolicy: %w", err)
		}
	}
	return d.Throttle.Validate()
}

// TopicDeliveryPolicy carries the topic defaults and whether subscriptions may
// override them.
type TopicDeliveryPolicy struct {
	DeliveryPolicy
	DisableSubscriptionOverrides bool
}

type topicPolicyJSON struct {
	Healthy                      *RetryPolicy    `json:"defaultHealthyRetryPolicy,omitempty"`
	Sickly                       *RetryPolicy    `json:"defaultSicklyRetryPolicy,omitempty"`
	Throttle                     *ThrottlePolicy `json:"defaultThrottlePolicy,omitempty"`
	DisableSubscriptionOverrides bool            `json:"disableSubscriptionOverrides"`
}

func (t TopicDeliveryPolicy) MarshalJSON() ([]byte, error) {
	healthy := t.Healthy
	return json.Marshal(map[string]topicPolicyJSON{"http": {
		Healthy:                      &healthy,
		Sickly:                       t.Sickly,
		Throttle:                     t.Throttle,
		DisableSubscriptionOverrides: t.DisableSubscriptionOverrides,
	}})
}

// ParseDeliveryPolicy decodes a subscription delivery policy, filling the
// healthy policy from defaults when absent or partially set.
func ParseDeliveryPolicy(data []byte, defaults RetryPolicy) (*DeliveryPolicy, error) {
	var raw struct {
		Healthy  json.RawMessage `json:"healthyRetryPolicy"`
		Sickly   json.RawMessage `json:"sicklyRetryPolicy"`
		Throttle *ThrottlePolicy `json:"throttlePolicy"`
	}
	if err := strictUnmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	p := &DeliveryPolicy{Throttle: raw.Throttle}
	var err error
	if p.Healthy, err = parseRetryPolicy(raw.Healthy, defaults); err != nil {
		return nil, err
	}
	if len(raw.Sickly) > 0 && string(raw.Sickly) != "null" {
		sickly, err := parseRetryPolicy(raw.Sickly, defaults)
		if err != nil {
			return nil, err
		}
		p.Sickly = &sickly
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseTopicDeliveryPolicy accepts either the bare default* object or the
// same object nested under an "http" key.
func ParseTopicDeliveryPolicy(data []byte, defaults RetryPolicy) (*TopicDeliveryPolicy, error) {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if inner, ok := wrapped["http"]; ok && len(wrapped) == 1 {
		data = inner
	}
	var raw struct {
		Healthy                      json.RawMessage `json:"defaultHealthyRetryPolicy"`
		Sickly                       json.RawMessage `json:"defaultSicklyRetryPolicy"`
		Throttle                     *ThrottlePolicy `json:"defaultThrottlePolicy"`
		DisableSubscriptionOverrides bool            `json:"disableSubscriptionOverrides"`
	}
	if err := strictUnmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	p := &TopicDeliveryPolicy{DisableSubscriptionOverrides: raw.DisableSubscriptionOverrides}
	p.Throttle = raw.Throttle
	var err error
	if p.Healthy, err = parseRetryPolicy(raw.Healthy, defaults); err != nil {
		return nil, err
	}
	if len(raw.Sickly) > 0 && string(raw.Sickly) != "null" {
		sickly, err := parseRetryPolicy(raw.Sickly, defaults)
		if err != nil {
			return nil, err
		}
		p.Sickly = &sickly
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func parseRetryPolicy(data json.RawMessage, defaults RetryPolicy) (RetryPolicy, error) {
	p := defaults
	if len(data) == 0 || string(data) == "null" {
		return p, nil
	}
	if err := strictUnmarshal(data, &p); err != nil {
		return RetryPolicy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if p.BackoffFunction == "" {
		p.BackoffFunction = BackoffLinear
	}
	return p, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// EffectivePolicy picks the policy a delivery to one subscription runs under.
// Subscription overrides win unless the topic disables them.
func EffectivePolicy(topic *TopicDeliveryPolicy, sub *DeliveryPolicy, defaults RetryPolicy) DeliveryPolicy {
	if sub != nil && (topic == nil || !topic.DisableSubscriptionOverrides) {
		return *sub
	}
	if topic != nil {
		return topic.DeliveryPolicy
	}
	return DeliveryPolicy{Healthy: defaults}
}
