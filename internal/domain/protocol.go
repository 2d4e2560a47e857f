package domain

import "fmt"

// Protocol is the transport a subscription is delivered over. The numeric
// value is its ordinal in the endpoint job wire format and must never be
// reordered.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolHTTPS
	ProtocolEmail
	ProtocolEmailJSON
	ProtocolSMS
	ProtocolSQS
)

var protocolNames = [...]string{
	ProtocolHTTP:      "http",
	ProtocolHTTPS:     "https",
	ProtocolEmail:     "email",
	ProtocolEmailJSON: "email-json",
	ProtocolSMS:       "sms",
	ProtocolSQS:       "sqs",
}

func (p Protocol) String() string {
	if p.Valid() {
		return protocolNames[p]
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

func (p Protocol) Valid() bool {
	return p >= ProtocolHTTP && int(p) < len(protocolNames)
}

// ParseProtocol resolves a protocol by its lowercase name.
func ParseProtocol(s string) (Protocol, error) {
	for i, name := range protocolNames {
		if name == s {
			return Protocol(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown protocol %q", ErrInvalidParameter, s)
}

// ProtocolFromOrdinal is the inverse of int(p).
func ProtocolFromOrdinal(n int) (Protocol, error) {
	p := Protocol(n)
	if !p.Valid() {
		return 0, fmt.Errorf("%w: protocol ordinal %d out of range", ErrMalformedJob, n)
	}
	return p, nil
}

// Protocols lists every known protocol in ordinal order.
func Protocols() []Protocol {
	out := make([]Protocol, len(protocolNames))
	for i := range protocolNames {
		out[i] = Protocol(i)
	}
	return out
}
