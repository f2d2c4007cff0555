package types

import "fmt"

// ErrorType is the taxonomy carried in ERROR payloads.
type ErrorType string

const (
	ErrorValidation        ErrorType = "VALIDATION_ERROR"
	ErrorRateLimitExceeded ErrorType = "RATE_LIMIT_EXCEEDED"
	ErrorDuplicateUsername ErrorType = "DUPLICATE_USERNAME"
	ErrorSessionFull       ErrorType = "SESSION_FULL"
	ErrorConnection        ErrorType = "CONNECTION_ERROR"
	ErrorSync              ErrorType = "SYNC_ERROR"
	ErrorInvalidPayload    ErrorType = "INVALID_PAYLOAD"
	ErrorServer            ErrorType = "SERVER_ERROR"
	ErrorTimeout           ErrorType = "TIMEOUT_ERROR"
	ErrorNetwork           ErrorType = "NETWORK_ERROR"
)

// ProtocolError is both a Go error and the wire ERROR payload.
type ProtocolError struct {
	Type    ErrorType   `json:"type"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// NewProtocolError builds a ProtocolError with a formatted message.
func NewProtocolError(t ErrorType, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Type: t, Message: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is matches any ProtocolError of the same Type, so errors.Is works against
// the sentinel values below.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is comparisons. They carry no message so they match
// any error of their type.
var (
	ErrValidation        = &ProtocolError{Type: ErrorValidation}
	ErrRateLimitExceeded = &ProtocolError{Type: ErrorRateLimitExceeded}
	ErrDuplicateUsername = &ProtocolError{Type: ErrorDuplicateUsername}
	ErrSessionFull       = &ProtocolError{Type: ErrorSessionFull}
	ErrInvalidPayload    = &ProtocolError{Type: ErrorInvalidPayload}
	ErrSync              = &ProtocolError{Type: ErrorSync}
	ErrConnection        = &ProtocolError{Type: ErrorConnection}
	ErrTimeout           = &ProtocolError{Type: ErrorTimeout}
)

// ValidationError builds a VALIDATION_ERROR.
func ValidationError(format string, args ...interface{}) *ProtocolError {
	return NewProtocolError(ErrorValidation, format, args...)
}
