package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrConnectionNotFound = errors.New("connection not found")
)
