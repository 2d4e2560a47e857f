package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultMaxMessageBytes is the largest body accepted at publish time.
const DefaultMaxMessageBytes = 256 * 1024

// MaxSubjectLength bounds the optional subject line.
const MaxSubjectLength = 100

// MessageType is the kind of notification envelope.
type MessageType string

const (
	MessageTypeNotification             MessageType = "Notification"
	MessageTypeSubscriptionConfirmation MessageType = "SubscriptionConfirmation"
	MessageTypeUnsubscribeConfirmation  MessageType = "UnsubscribeConfirmation"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeNotification, MessageTypeSubscriptionConfirmation, MessageTypeUnsubscribeConfirmation:
		return true
	}
	return false
}

// MessageStructure tells whether the body is a plain string or a per-protocol
// JSON object. Its ordinal appears in the serialized form.
type MessageStructure int

const (
	StructureString MessageStructure = iota
	StructureJSON
)

// ParseMessageStructure accepts the publish API spelling ("" or "json").
func ParseMessageStructure(s string) (MessageStructure, error) {
	switch s {
	case "", "string":
		return StructureString, nil
	case "json":
		return StructureJSON, nil
	}
	return 0, newClientError(CodeInvalidParameter, ErrInvalidParameter, "invalid MessageStructure %q", s)
}

// DefaultStructureKey is the fallback key of a JSON structured body.
const DefaultStructureKey = "default"

// Message is the immutable notification envelope. It is created at publish
// time and shared read-only by every delivery task of a job.
type Message struct {
	Body      string
	Structure MessageStructure
	Subject   string
	TopicArn  string
	UserID    string
	MessageID string
	Timestamp time.Time
	Type      MessageType
}

// NewMessage stamps a fresh id and creation time on a notification.
func NewMessage(topicArn, userID, body string) *Message {
	return &Message{
		Body:      body,
		TopicArn:  topicArn,
		UserID:    userID,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Type:      MessageTypeNotification,
	}
}

// HasSubject reports whether the optional subject is set.
func (m *Message) HasSubject() bool {
	return m.Subject != ""
}

// Age returns how long ago the message was published.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.Timestamp)
}

// Validate enforces the dispatch invariants. maxBytes <= 0 selects
// DefaultMaxMessageBytes.
func (m *Message) Validate(maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	if m.Body == "" {
		return newClientError(CodeInvalidParameter, ErrInvalidParameter, "Message must not be empty")
	}
	for name, v := range map[string]string{"TopicArn": m.TopicArn, "UserId": m.UserID, "MessageId": m.MessageID} {
		if v == "" {
			return newClientError(CodeInvalidParameter, ErrInvalidParameter, "%s is required", name)
		}
		if strings.ContainsAny(v, "\r\n") {
			return newClientError(CodeInvalidParameter, ErrInvalidParameter, "%s must not contain line breaks", name)
		}
	}
	if m.Timestamp.IsZero() {
		return newClientError(CodeInvalidParameter, ErrInvalidParameter, "Timestamp is required")
	}
	if !m.Type.Valid() {
		return newClientError(CodeInvalidParameter, ErrInvalidParameter, "unknown message type %q", m.Type)
	}
	if !utf8.ValidString(m.Body) {
		return newClientError(CodeInvalidParameter, ErrInvalidParameter, "Message must be valid UTF-8")
	}
	if len(m.Body) > maxBytes {
		return newClientError(CodeParameterValueTooLong, ErrMessageTooLong,
			"Message must be at most %d bytes long, got %d", maxBytes, len(m.Body))
	}
	if err := validateSubject(m.Subject); err != nil {
		return err
	}
	if m.Structure == StructureJSON {
		if err := validateStructure(m.Body); err != nil {
			return err
		}
	} else if m.Structure != StructureString {
		return newClientError(CodeInvalidParameter, ErrInvalidParameter, "unknown message structure %d", m.Structure)
	}
	return nil
}

func validateSubject(s string) error {
	if s == "" {
		return nil
	}
	if !utf8.ValidString(s) || len(s) > MaxSubjectLength {
		return newClientError(CodeInvalidParameter, ErrInvalidParameter,
			"Subject must be valid UTF-8 and at most %d bytes", MaxSubjectLength)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return newClientError(CodeInvalidParameter, ErrInvalidParameter, "Subject must not contain control characters")
		}
	}
	if strings.TrimSpace(s) == "" {
		return newClientError(CodeInvalidParameter, ErrInvalidParameter, "Subject must not be blank")
	}
	return nil
}

func validateStructure(body string) error {
	fields, err := decodeStructure(body)
	if err != nil {
		return err
	}
	if _, ok := fields[DefaultStructureKey]; !ok {
		return newClientError(CodeInvalidParameter, ErrMalformedStructure, "Message Structure - No default entry in JSON message body")
	}
	for key := range fields {
		if key == DefaultStructureKey {
			continue
		}
		if _, err := ParseProtocol(key); err != nil {
			return newClientError(CodeInvalidParameter, ErrMalformedStructure, "Message Structure - unrecognized protocol key %q", key)
		}
	}
	return nil
}

func decodeStructure(body string) (map[string]string, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, newClientError(CodeInvalidParameter, ErrMalformedStructure, "Message Structure - JSON message body failed to parse: %v", err)
	}
	return fields, nil
}

// ProtocolSpecificMessage resolves the body a subscriber on protocol p
// receives. email-json falls back to the email entry before default.
func (m *Message) ProtocolSpecificMessage(p Protocol) (string, error) {
	if m.Structure != StructureJSON {
		return m.Body, nil
	}
	fields, err := decodeStructure(m.Body)
	if err != nil {
		return "", err
	}
	if v, ok := fields[p.String()]; ok {
		return v, nil
	}
	if p == ProtocolEmailJSON {
		if v, ok := fields[ProtocolEmail.String()]; ok {
			return v, nil
		}
	}
	if v, ok := fields[DefaultStructureKey]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: no entry for %s and no default", ErrMalformedStructure, p)
}

// Serialize renders the line-oriented queue form. The body is the last field
// and may contain newlines.
func (m *Message) Serialize() string {
	var b strings.Builder
	b.Grow(len(m.Body) + 256)
	if m.HasSubject() {
		b.WriteString("1\n")
		b.WriteString(m.Subject)
		b.WriteByte('\n')
	} else {
		b.WriteString("0\n")
	}
	b.WriteString(strconv.Itoa(int(m.Structure)))
	b.WriteByte('\n')
	b.WriteString(m.TopicArn)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(m.Timestamp.UnixMilli(), 10))
	b.WriteByte('\n')
	b.WriteString(m.UserID)
	b.WriteByte('\n')
	b.WriteString(m.MessageID)
	b.WriteByte('\n')
	b.WriteString(string(m.Type))
	b.WriteByte('\n')
	b.WriteString(m.Body)
	return b.String()
}

// ParseMessage is the exact inverse of Serialize.
func ParseMessage(s string) (*Message, error) {
	flag, rest, ok := strings.Cut(s, "\n")
	if !ok {
		return nil, fmt.Errorf("%w: missing subject flag", ErrMalformedMessage)
	}
	m := &Message{}
	switch flag {
	case "1":
		m.Subject, rest, ok = strings.Cut(rest, "\n")
		if !ok {
			return nil, fmt.Errorf("%w: missing subject", ErrMalformedMessage)
		}
	case "0":
	default:
		return nil, fmt.Errorf("%w: bad subject flag %q", ErrMalformedMessage, flag)
	}

	fields := strings.SplitN(rest, "\n", 7)
	if len(fields) != 7 {
		return nil, fmt.Errorf("%w: expected 7 fields after subject, got %d", ErrMalformedMessage, len(fields))
	}
	structure, err := strconv.Atoi(fields[0])
	if err != nil || (structure != int(StructureString) && structure != int(StructureJSON)) {
		return nil, fmt.Errorf("%w: bad structure marker %q", ErrMalformedMessage, fields[0])
	}
	millis, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrMalformedMessage, fields[2])
	}
	m.Structure = MessageStructure(structure)
	m.TopicArn = fields[1]
	m.Timestamp = time.UnixMilli(millis).UTC()
	m.UserID = fields[3]
	m.MessageID = fields[4]
	m.Type = MessageType(fields[5])
	m.Body = fields[6]
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, fields[5])
	}
	return m, nil
}
