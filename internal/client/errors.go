package client

import "errors"

// Transport errors
var (
	ErrTransportNotOpen = errors.New("transport is not open")
	ErrTransportClosed  = errors.New("transport has been closed")
)
