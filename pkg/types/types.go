package types

import (
	"encoding/json"
	"time"
)

// Event type constants. The wire "type" field carries these values verbatim.
const (
	EventJoin            = "JOIN"
	EventLeave           = "LEAVE"
	EventSyncRequest     = "SYNC_REQUEST"
	EventSyncResponse    = "SYNC_RESPONSE"
	EventContentChange   = "CONTENT_CHANGE"
	EventLanguageChange  = "LANGUAGE_CHANGE"
	EventCursorMove      = "CURSOR_MOVE"
	EventSelectionChange = "SELECTION_CHANGE"
	EventUserJoined      = "USER_JOINED"
	EventUserLeft        = "USER_LEFT"
	EventError           = "ERROR"
	EventUndo            = "UNDO"
	EventRedo            = "REDO"
	EventUndoRedoStack   = "UNDO_REDO_STACK"
)

// Envelope is the tagged frame exchanged over a connection.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a frame of the given type. A nil payload
// produces a frame without a payload field.
func NewEnvelope(eventType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = data
	return env, nil
}

// User is a member of a session.
type User struct {
	ID         int64     `json:"id"`
	Username   string    `json:"username"`
	Color      string    `json:"color"`
	LastActive time.Time `json:"lastActive"`
	SessionID  string    `json:"sessionId"`
}

// Position is a cursor location in editor coordinates.
type Position struct {
	Top  float64 `json:"top"`
	Left float64 `json:"left"`
}

// Selection is a character range, Start <= End.
type Selection struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Snapshot is the replicated state sent on join and on explicit resync.
// Presence is never part of it.
type Snapshot struct {
	Content  string `json:"content"`
	Language string `json:"language"`
	Users    []User `json:"users"`
}

// Client to server payloads. Server broadcasts reuse them with User set.

type JoinPayload struct {
	Username string `json:"username"`
}

type ContentChangePayload struct {
	Content string `json:"content"`
	User    *User  `json:"user,omitempty"`
}

type LanguageChangePayload struct {
	Language string `json:"language"`
	User     *User  `json:"user,omitempty"`
}

type CursorMovePayload struct {
	Position Position `json:"position"`
	User     *User    `json:"user,omitempty"`
}

type SelectionChangePayload struct {
	Selection Selection `json:"selection"`
	User      *User     `json:"user,omitempty"`
}

// UserPayload carries USER_JOINED and USER_LEFT.
type UserPayload struct {
	User User `json:"user"`
}

// SessionInfo is the read-only summary of a live session exposed over HTTP.
type SessionInfo struct {
	ID          string    `json:"id"`
	Language    string    `json:"language"`
	MemberCount int       `json:"memberCount"`
	Usernames   []string  `json:"usernames"`
	CreatedAt   time.Time `json:"createdAt"`
	LastActive  time.Time `json:"lastActive"`
}

// Audit event kinds recorded for session membership changes.
const (
	AuditSessionCreated = "session_created"
	AuditUserJoined     = "user_joined"
	AuditUserLeft       = "user_left"
	AuditJoinRejected   = "join_rejected"
	AuditSessionClosed  = "session_closed"
)

// AuditEvent is one membership change. It never carries document content.
type AuditEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	UserID    int64     `json:"userId,omitempty"`
	Username  string    `json:"username,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsKnownEvent reports whether eventType belongs to the protocol catalog.
func IsKnownEvent(eventType string) bool {
	switch eventType {
	case EventJoin, EventLeave, EventSyncRequest, EventSyncResponse,
		EventContentChange, EventLanguageChange, EventCursorMove, EventSelectionChange,
		EventUserJoined, EventUserLeft, EventError,
		EventUndo, EventRedo, EventUndoRedoStack:
		return true
	default:
		return false
	}
}
