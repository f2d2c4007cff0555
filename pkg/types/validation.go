package types

import (
	"encoding/json"
	"regexp"
	"unicode/utf8"
)

const (
	MaxSessionIDLength = 50
	MinUsernameLength  = 3
	MaxUsernameLength  = 30
	MaxContentLength   = 1000000
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SupportedLanguages is the fixed set of language tags a session may carry.
var SupportedLanguages = map[string]bool{
	"plaintext":  true,
	"javascript": true,
	"typescript": true,
	"python":     true,
	"java":       true,
	"csharp":     true,
	"cpp":        true,
	"c":          true,
	"go":         true,
	"rust":       true,
	"ruby":       true,
	"php":        true,
	"swift":      true,
	"kotlin":     true,
	"html":       true,
	"css":        true,
	"json":       true,
	"markdown":   true,
	"sql":        true,
	"shell":      true,
	"yaml":       true,
}

// ValidateSessionID checks a session identifier: 1-50 characters of [A-Za-z0-9_-].
func ValidateSessionID(sessionID string) error {
	if len(sessionID) < 1 || len(sessionID) > MaxSessionIDLength {
		return ValidationError("session ID must be 1-%d characters", MaxSessionIDLength)
	}
	if !identifierRegex.MatchString(sessionID) {
		return ValidationError("session ID may only contain letters, numbers, underscores and hyphens")
	}
	return nil
}

// ValidateUsername checks a username: 3-30 characters of [A-Za-z0-9_-].
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLength || len(username) > MaxUsernameLength {
		return ValidationError("username must be %d-%d characters", MinUsernameLength, MaxUsernameLength)
	}
	if !identifierRegex.MatchString(username) {
		return ValidationError("username may only contain letters, numbers, underscores and hyphens")
	}
	return nil
}

// ValidateContent checks document content length in characters.
func ValidateContent(content string) error {
	if utf8.RuneCountInString(content) > MaxContentLength {
		return ValidationError("content exceeds %d characters", MaxContentLength)
	}
	return nil
}

// ValidateLanguage checks membership in SupportedLanguages.
func ValidateLanguage(language string) error {
	if !SupportedLanguages[language] {
		return ValidationError("unsupported language %q", language)
	}
	return nil
}

// ValidatePosition checks both coordinates are non-negative.
func ValidatePosition(p Position) error {
	if p.Top < 0 || p.Left < 0 {
		return ValidationError("position coordinates must be non-negative")
	}
	return nil
}

// ValidateSelection checks the range is non-negative and ordered.
func ValidateSelection(s Selection) error {
	if s.Start < 0 || s.End < 0 {
		return ValidationError("selection bounds must be non-negative")
	}
	if s.Start > s.End {
		return ValidationError("selection start must not exceed end")
	}
	return nil
}

// Wire shapes with pointer fields so missing and mistyped fields are
// distinguishable from zero values.
type rawPosition struct {
	Top  *float64 `json:"top"`
	Left *float64 `json:"left"`
}

type rawSelection struct {
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
}

func decodeObject(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return ValidationError("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return ValidationError("malformed payload: %v", err)
	}
	return nil
}

func (p *rawPosition) position() (Position, error) {
	if p == nil || p.Top == nil || p.Left == nil {
		return Position{}, ValidationError("position requires numeric top and left")
	}
	pos := Position{Top: *p.Top, Left: *p.Left}
	return pos, ValidatePosition(pos)
}

func (s *rawSelection) selection() (Selection, error) {
	if s == nil || s.Start == nil || s.End == nil {
		return Selection{}, ValidationError("selection requires numeric start and end")
	}
	sel := Selection{Start: *s.Start, End: *s.End}
	return sel, ValidateSelection(sel)
}

// DecodeEventPayload validates the payload of a client event and returns it
// in typed form: JoinPayload, ContentChangePayload, LanguageChangePayload,
// CursorMovePayload, SelectionChangePayload, or nil for events without a
// payload shape. Any User field in the input is discarded.
func DecodeEventPayload(eventType string, payload json.RawMessage) (interface{}, error) {
	switch eventType {
	case EventLeave, EventSyncRequest, EventUndo, EventRedo, EventUndoRedoStack:
		return nil, nil

	case EventJoin:
		var raw struct {
			Username *string `json:"username"`
		}
		if err := decodeObject(payload, &raw); err != nil {
			return nil, err
		}
		if raw.Username == nil {
			return nil, ValidationError("username is required")
		}
		if err := ValidateUsername(*raw.Username); err != nil {
			return nil, err
		}
		return JoinPayload{Username: *raw.Username}, nil

	case EventContentChange:
		var raw struct {
			Content *string `json:"content"`
		}
		if err := decodeObject(payload, &raw); err != nil {
			return nil, err
		}
		if raw.Content == nil {
			return nil, ValidationError("content must be a string")
		}
		if err := ValidateContent(*raw.Content); err != nil {
			return nil, err
		}
		return ContentChangePayload{Content: *raw.Content}, nil

	case EventLanguageChange:
		var raw struct {
			Language *string `json:"language"`
		}
		if err := decodeObject(payload, &raw); err != nil {
			return nil, err
		}
		if raw.Language == nil {
			return nil, ValidationError("language is required")
		}
		if err := ValidateLanguage(*raw.Language); err != nil {
			return nil, err
		}
		return LanguageChangePayload{Language: *raw.Language}, nil

	case EventCursorMove:
		var raw struct {
			Position *rawPosition `json:"position"`
		}
		if err := decodeObject(payload, &raw); err != nil {
			return nil, err
		}
		pos, err := raw.Position.position()
		if err != nil {
			return nil, err
		}
		return CursorMovePayload{Position: pos}, nil

	case EventSelectionChange:
		var raw struct {
			Selection *rawSelection `json:"selection"`
		}
		if err := decodeObject(payload, &raw); err != nil {
			return nil, err
		}
		sel, err := raw.Selection.selection()
		if err != nil {
			return nil, err
		}
		return SelectionChangePayload{Selection: sel}, nil

	default:
		return nil, ValidationError("unsupported event type %q", eventType)
	}
}

// ValidateEventPayload reports whether payload is acceptable for eventType.
func ValidateEventPayload(eventType string, payload json.RawMessage) error {
	_, err := DecodeEventPayload(eventType, payload)
	return err
}

// ValidateUser checks the shape of a user received from the server.
func ValidateUser(u *User) error {
	if u == nil {
		return ValidationError("user is required")
	}
	if u.ID <= 0 {
		return ValidationError("user id must be positive")
	}
	if u.Username == "" {
		return ValidationError("user must have a username")
	}
	return nil
}

// ValidateSnapshot checks the shape of a SYNC_RESPONSE payload.
func ValidateSnapshot(payload json.RawMessage) (*Snapshot, error) {
	var raw struct {
		Content  *string `json:"content"`
		Language *string `json:"language"`
		Users    *[]User `json:"users"`
	}
	if err := decodeObject(payload, &raw); err != nil {
		return nil, err
	}
	if raw.Content == nil || raw.Language == nil || raw.Users == nil {
		return nil, ValidationError("snapshot requires content, language and users")
	}
	for i := range *raw.Users {
		if err := ValidateUser(&(*raw.Users)[i]); err != nil {
			return nil, err
		}
	}
	return &Snapshot{Content: *raw.Content, Language: *raw.Language, Users: *raw.Users}, nil
}

// DecodeBroadcast validates a server-originated broadcast, which must carry
// the originating user in addition to the client payload shape.
func DecodeBroadcast(eventType string, payload json.RawMessage) (interface{}, *User, error) {
	var withUser struct {
		User *User `json:"user"`
	}
	if err := decodeObject(payload, &withUser); err != nil {
		return nil, nil, err
	}
	if err := ValidateUser(withUser.User); err != nil {
		return nil, nil, err
	}
	switch eventType {
	case EventUserJoined, EventUserLeft:
		return UserPayload{User: *withUser.User}, withUser.User, nil
	case EventContentChange, EventLanguageChange, EventCursorMove, EventSelectionChange:
		v, err := DecodeEventPayload(eventType, payload)
		if err != nil {
			return nil, nil, err
		}
		return v, withUser.User, nil
	default:
		return nil, nil, ValidationError("unsupported broadcast type %q", eventType)
	}
}
