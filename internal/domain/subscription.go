package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PendingConfirmation is the ARN reported for subscriptions that have not
// completed the token exchange.
const PendingConfirmation = "PendingConfirmation"

type Topic struct {
	Arn            string
	Name           string
	OwnerID        string
	DeliveryPolicy *TopicDeliveryPolicy
	CreatedAt      time.Time
}

// Subscription binds an endpoint to a topic. ID is assigned at creation; Arn
// stays PendingConfirmation until the subscription is confirmed.
type Subscription struct {
	ID                string
	Arn               string
	TopicArn          string
	OwnerID           string
	Protocol          Protocol
	Endpoint          string
	Confirmed         bool
	ConfirmationToken string
	RawDelivery       bool
	DeliveryPolicy    *DeliveryPolicy
	CreatedAt         time.Time
}

// EffectiveArn is the ARN a directory listing reports.
func (s *Subscription) EffectiveArn() string {
	if !s.Confirmed || s.Arn == "" {
		return PendingConfirmation
	}
	return s.Arn
}

// SubscriptionArn derives the ARN assigned on confirmation.
func SubscriptionArn(topicArn, id string) string {
	return topicArn + ":" + id
}

// TopicArn derives a topic ARN from its owner and name.
func TopicArn(region, ownerID, name string) string {
	return fmt.Sprintf("arn:snsbus:%s:%s:%s", region, ownerID, name)
}

// SubscriberInfo is the minimal record a delivery needs. SubscriptionArn is
// the confirmed ARN.
type SubscriberInfo struct {
	Protocol        Protocol
	Endpoint        string
	SubscriptionArn string
	RawDelivery     bool
}

// Info projects a confirmed subscription onto its fan-out record.
func (s *Subscription) Info() SubscriberInfo {
	return SubscriberInfo{
		Protocol:        s.Protocol,
		Endpoint:        s.Endpoint,
		SubscriptionArn: s.EffectiveArn(),
		RawDelivery:     s.RawDelivery,
	}
}

// Serialize renders protocolOrdinal|endpoint|subscriptionArn|raw.
func (i SubscriberInfo) Serialize() string {
	return strconv.Itoa(int(i.Protocol)) + "|" + i.Endpoint + "|" + i.SubscriptionArn + "|" + strconv.FormatBool(i.RawDelivery)
}

// ParseSubscriberInfo is the inverse of Serialize. The endpoint is the middle
// field and may itself contain '|'.
func ParseSubscriberInfo(s string) (SubscriberInfo, error) {
	ord, rest, ok := strings.Cut(s, "|")
	if !ok {
		return SubscriberInfo{}, fmt.Errorf("%w: subscriber %q has no fields", ErrMalformedJob, s)
	}
	rawIdx := strings.LastIndexByte(rest, '|')
	if rawIdx < 0 {
		return SubscriberInfo{}, fmt.Errorf("%w: subscriber %q missing raw flag", ErrMalformedJob, s)
	}
	raw, err := strconv.ParseBool(rest[rawIdx+1:])
	if err != nil {
		return SubscriberInfo{}, fmt.Errorf("%w: subscriber %q raw flag: %v", ErrMalformedJob, s, err)
	}
	rest = rest[:rawIdx]
	arnIdx := strings.LastIndexByte(rest, '|')
	if arnIdx < 0 {
		return SubscriberInfo{}, fmt.Errorf("%w: subscriber %q missing arn", ErrMalformedJob, s)
	}
	n, err := strconv.Atoi(ord)
	if err != nil {
		return SubscriberInfo{}, fmt.Errorf("%w: subscriber %q protocol: %v", ErrMalformedJob, s, err)
	}
	p, err := ProtocolFromOrdinal(n)
	if err != nil {
		return SubscriberInfo{}, err
	}
	return SubscriberInfo{
		Protocol:        p,
		Endpoint:        rest[:arnIdx],
		SubscriptionArn: rest[arnIdx+1:],
		RawDelivery:     raw,
	}, nil
}
