package router

import "errors"

// Router-specific errors, recorded on the event span.
var (
	ErrMalformedFrame    = errors.New("malformed frame")
	ErrUnknownEventType  = errors.New("unknown event type")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrJoinRejected      = errors.New("join rejected")
)
