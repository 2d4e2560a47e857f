package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/httpclient"
)

// MaxSMSBytes bounds the text of one SMS.
const MaxSMSBytes = 140

var phoneNumber = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)

// SMS posts {"to","message"} to an SMS gateway.
type SMS struct {
	client     *httpclient.Client
	gatewayURL string
}

func NewSMS(client *httpclient.Client, gatewayURL string) *SMS {
	return &SMS{client: client, gatewayURL: gatewayURL}
}

func (s *SMS) Protocol() domain.Protocol { return domain.ProtocolSMS }

func (s *SMS) Retryable() bool { return false }

func (s *SMS) Validate(endpoint string) error {
	if !phoneNumber.MatchString(endpoint) {
		return fmt.Errorf("%w: sms endpoint must be a phone number in E.164 format", domain.ErrInvalidParameter)
	}
	return nil
}

func (s *SMS) Send(ctx context.Context, d Delivery) error {
	if s.gatewayURL == "" {
		return fmt.Errorf("%w: no SMS gateway configured", domain.ErrSubscriberNotFound)
	}
	text, err := d.Message.ProtocolSpecificMessage(domain.ProtocolSMS)
	if err != nil {
		return err
	}
	if d.Token != "" {
		text = "Reply YES to confirm " + TopicName(d.Message.TopicArn) + " or visit " + d.SubscribeURL
	}

	payload, err := json.Marshal(map[string]string{
		"to":      d.Subscriber.Endpoint,
		"message": Truncate(text, MaxSMSBytes),
	})
	if err != nil {
		return fmt.Errorf("encode sms: %w", err)
	}
	resp, err := s.client.Post(ctx, s.gatewayURL, payload)
	if err != nil {
		return fmt.Errorf("post to sms gateway: %w", err)
	}
	if !resp.OK() {
		return &StatusError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
	return nil
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
