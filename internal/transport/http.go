package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lupppig/snsbus/internal/domain"
	"github.com/lupppig/snsbus/internal/httpclient"
)

// Headers set on every HTTP delivery.
const (
	HeaderMessageType     = "x-amz-sns-message-type"
	HeaderMessageID       = "x-amz-sns-message-id"
	HeaderTopicArn        = "x-amz-sns-topic-arn"
	HeaderSubscriptionArn = "x-amz-sns-subscription-arn"
	HeaderRawDelivery     = "x-amz-sns-rawdelivery"
)

// HTTP posts to http or https endpoints. Any 2xx is a success.
type HTTP struct {
	client   *httpclient.Client
	protocol domain.Protocol
}

func NewHTTP(client *httpclient.Client) *HTTP {
	return &HTTP{client: client, protocol: domain.ProtocolHTTP}
}

func NewHTTPS(client *httpclient.Client) *HTTP {
	return &HTTP{client: client, protocol: domain.ProtocolHTTPS}
}

func (h *HTTP) Protocol() domain.Protocol { return h.protocol }

func (h *HTTP) Retryable() bool { return true }

func (h *HTTP) Validate(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: invalid %s endpoint: %v", domain.ErrInvalidParameter, h.protocol, err)
	}
	if u.Scheme != h.protocol.String() || u.Host == "" {
		return fmt.Errorf("%w: %s endpoint must be an absolute %s:// URL", domain.ErrInvalidParameter, h.protocol, h.protocol)
	}
	return nil
}

func (h *HTTP) Send(ctx context.Context, d Delivery) error {
	payload, raw, err := Render(d)
	if err != nil {
		return err
	}

	headers := map[string]string{
		"Content-Type":    "text/plain; charset=UTF-8",
		"User-Agent":      "snsbus",
		HeaderMessageType: string(d.Message.Type),
		HeaderMessageID:   d.Message.MessageID,
		HeaderTopicArn:    d.Message.TopicArn,
	}
	if d.Message.Type == domain.MessageTypeNotification {
		headers[HeaderSubscriptionArn] = d.Subscriber.SubscriptionArn
	}
	if raw {
		headers[HeaderRawDelivery] = "true"
	}

	resp, err := h.client.Do(ctx, http.MethodPost, d.Subscriber.Endpoint, []byte(payload), headers)
	if err != nil {
		return fmt.Errorf("post to %s: %w", d.Subscriber.Endpoint, err)
	}
	if !resp.OK() {
		return &StatusError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
	return nil
}
