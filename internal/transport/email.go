package transport

import (
	"context"
	"fmt"
	"mime"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lupppig/snsbus/internal/domain"
)

// MailSender hands a composed message to a mail server.
type MailSender func(addr, from string, to []string, msg []byte) error

// SMTPSender relays through addr without authentication.
func SMTPSender(addr, from string, to []string, msg []byte) error {
	return smtp.SendMail(addr, nil, from, to, msg)
}

// Email sends plain-text mail. The email-json variant carries the JSON
// envelope as the mail body.
type Email struct {
	addr     string
	from     string
	send     MailSender
	protocol domain.Protocol
}

func NewEmail(addr, from string, send MailSender) *Email {
	return &Email{addr: addr, from: from, send: send, protocol: domain.ProtocolEmail}
}

func NewEmailJSON(addr, from string, send MailSender) *Email {
	return &Email{addr: addr, from: from, send: send, protocol: domain.ProtocolEmailJSON}
}

func (e *Email) Protocol() domain.Protocol { return e.protocol }

func (e *Email) Retryable() bool { return false }

func (e *Email) Validate(endpoint string) error {
	addr, err := mail.ParseAddress(endpoint)
	if err != nil || addr.Address != endpoint {
		return fmt.Errorf("%w: %s endpoint must be a bare email address", domain.ErrInvalidParameter, e.protocol)
	}
	return nil
}

func (e *Email) Send(ctx context.Context, d Delivery) error {
	if e.addr == "" {
		return fmt.Errorf("%w: no SMTP server configured", domain.ErrSubscriberNotFound)
	}

	var body string
	if e.protocol == domain.ProtocolEmailJSON {
		payload, _, err := Render(d)
		if err != nil {
			return err
		}
		body = payload
	} else {
		text, err := d.Message.ProtocolSpecificMessage(e.protocol)
		if err != nil {
			return err
		}
		body = text
		if d.SubscribeURL != "" {
			body += "\n\nTo confirm the subscription, visit:\n" + d.SubscribeURL
		}
		if d.UnsubscribeURL != "" {
			body += "\n\n--\nTo stop receiving these messages, visit:\n" + d.UnsubscribeURL
		}
	}

	msg := composeMail(e.from, d.Subscriber.Endpoint, mailSubject(d.Message), body, d.Message.MessageID)

	errc := make(chan error, 1)
	go func() { errc <- e.send(e.addr, e.from, []string{d.Subscriber.Endpoint}, msg) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("send mail to %s: %w", d.Subscriber.Endpoint, err)
		}
		return nil
	}
}

func mailSubject(m *domain.Message) string {
	if m.HasSubject() {
		return m.Subject
	}
	switch m.Type {
	case domain.MessageTypeSubscriptionConfirmation:
		return "Subscription Confirmation: " + TopicName(m.TopicArn)
	case domain.MessageTypeUnsubscribeConfirmation:
		return "Unsubscribe Confirmation: " + TopicName(m.TopicArn)
	}
	return TopicName(m.TopicArn)
}

func composeMail(from, to, subject, body, messageID string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("Message-ID: <" + messageID + "." + uuid.NewString()[:8] + "@snsbus>\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(body, "\r\n", "\n"), "\n", "\r\n"))
	return []byte(b.String())
}
