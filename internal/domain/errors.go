package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTopicNotFound      = errors.New("topic not found")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrCacheFull          = errors.New("cache full")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrMessageTooLong     = errors.New("message too long")
	ErrMalformedStructure = errors.New("malformed message structure")
	ErrInvalidPolicy      = errors.New("invalid delivery policy")
	ErrMalformedMessage   = errors.New("malformed serialized message")
	ErrMalformedJob       = errors.New("malformed endpoint publish job")
)

// Error codes returned to publishers.
const (
	CodeInvalidParameter      = "InvalidParameter"
	CodeInvalidParameterValue = "InvalidParameterValue"
	CodeParameterValueTooLong = "ParameterValueTooLong"
	CodeNotFound              = "NotFound"
	CodeInternalError         = "InternalError"
)

// ClientError is a synchronous rejection of a caller's request. It unwraps to
// the sentinel describing the failure class.
type ClientError struct {
	Code    string
	Message string
	Err     error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

func newClientError(code string, sentinel error, format string, args ...any) *ClientError {
	return &ClientError{Code: code, Message: fmt.Sprintf(format, args...), Err: sentinel}
}

// AsClientError converts a known sentinel into a ClientError so front doors
// can report a code. Unknown errors become InternalError.
func AsClientError(err error) *ClientError {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, ErrTopicNotFound), errors.Is(err, ErrSubscriberNotFound):
		return &ClientError{Code: CodeNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, ErrMessageTooLong):
		return &ClientError{Code: CodeParameterValueTooLong, Message: err.Error(), Err: err}
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrMalformedStructure), errors.Is(err, ErrInvalidPolicy):
		return &ClientError{Code: CodeInvalidParameter, Message: err.Error(), Err: err}
	default:
		return &ClientError{Code: CodeInternalError, Message: err.Error(), Err: err}
	}
}
