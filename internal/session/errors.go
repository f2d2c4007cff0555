package session

import (
	"errors"

	"github.com/jiteshy/collabx/pkg/interfaces"
)

// Session registry errors. Join rejections that reach the client are
// *types.ProtocolError values instead.
var (
	ErrSessionNotFound = interfaces.ErrSessionNotFound
	ErrNotJoined       = errors.New("connection has not joined a session")
	ErrAlreadyJoined   = errors.New("connection already joined a session")
)
