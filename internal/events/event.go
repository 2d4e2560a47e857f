package events

import (
	"fmt"
	"strings"
	"time"
)

type DeliveryStatus string

const (
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
	DeliveryStatusRetrying  DeliveryStatus = "RETRYING"
	DeliveryStatusThrottled DeliveryStatus = "THROTTLED"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
	DeliveryStatusExhausted DeliveryStatus = "EXHAUSTED"
)

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (DeliveryStatus, error) {
	status := DeliveryStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case DeliveryStatusDelivered, DeliveryStatusRetrying, DeliveryStatusThrottled,
		DeliveryStatusFailed, DeliveryStatusExhausted:
		return status, nil
	}
	return "", fmt.Errorf("unknown delivery status %q", s)
}

// Terminal reports whether no further attempt follows this status.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusExhausted:
		return true
	}
	return false
}

type DeliveryEvent struct {
	MessageID       string         `json:"message_id"`
	TopicArn        string         `json:"topic_arn"`
	SubscriptionArn string         `json:"subscription_arn"`
	Protocol        string         `json:"protocol"`
	Endpoint        string         `json:"endpoint"`
	Status          DeliveryStatus `json:"status"`
	Detail          string         `json:"detail,omitempty"`
	Attempt         int            `json:"attempt"`
	Phase           string         `json:"phase,omitempty"`
	Delay           time.Duration  `json:"delay,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}
