package transport

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lupppig/snsbus/internal/domain"
)

// TimestampFormat is the envelope timestamp layout.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Envelope is the JSON document http, https, email-json and sqs subscribers
// receive unless raw delivery is enabled.
type Envelope struct {
	Type           string `json:"Type"`
	MessageID      string `json:"MessageId"`
	Token          string `json:"Token,omitempty"`
	TopicArn       string `json:"TopicArn"`
	Subject        string `json:"Subject,omitempty"`
	Message        string `json:"Message"`
	Timestamp      string `json:"Timestamp"`
	SubscribeURL   string `json:"SubscribeURL,omitempty"`
	UnsubscribeURL string `json:"UnsubscribeURL,omitempty"`
}

// Render returns the payload for d and whether it is the raw body.
// Confirmations are never raw.
func Render(d Delivery) (payload string, raw bool, err error) {
	body, err := d.Message.ProtocolSpecificMessage(d.Subscriber.Protocol)
	if err != nil {
		return "", false, err
	}
	if d.Subscriber.RawDelivery && d.Message.Type == domain.MessageTypeNotification {
		return body, true, nil
	}

	env := Envelope{
		Type:           string(d.Message.Type),
		MessageID:      d.Message.MessageID,
		Token:          d.Token,
		TopicArn:       d.Message.TopicArn,
		Subject:        d.Message.Subject,
		Message:        body,
		Timestamp:      d.Message.Timestamp.UTC().Format(TimestampFormat),
		SubscribeURL:   d.SubscribeURL,
		UnsubscribeURL: d.UnsubscribeURL,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", false, fmt.Errorf("encode envelope: %w", err)
	}
	return string(data), false, nil
}

// TopicName is the last segment of a topic ARN.
func TopicName(topicArn string) string {
	if i := strings.LastIndexByte(topicArn, ':'); i >= 0 {
		return topicArn[i+1:]
	}
	return topicArn
}
