package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jiteshy/collabx/internal/clock"
	"github.com/jiteshy/collabx/pkg/interfaces"
	"github.com/jiteshy/collabx/pkg/types"
)

// DefaultColors is the palette handed out to members in join order.
var DefaultColors = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4",
	"#FFEEAD", "#D4A5A5", "#9B59B6", "#3498DB",
}

// Config controls session creation and membership.
type Config struct {
	MaxMembers      int
	DefaultContent  string
	DefaultLanguage string
	Colors          []string
}

// DefaultConfig returns the stock session settings.
func DefaultConfig() Config {
	return Config{
		MaxMembers:      5,
		DefaultContent:  "// Start collaborating here\n",
		DefaultLanguage: "javascript",
		Colors:          DefaultColors,
	}
}

// Session is the authoritative state of one shared document.
type Session struct {
	ID         string
	Content    string
	Language   string
	CreatedAt  time.Time
	LastActive time.Time
	users      map[int64]*types.User
}

// member locates the user bound to a connection.
type member struct {
	sessionID string
	userID    int64
}

// outbound is a frame computed under the lock and delivered after it.
type outbound struct {
	sessionID string
	target    string // send to this connection only when set
	exclude   string // broadcast to everyone but this connection
	env       *types.Envelope
}

// Registry owns every live session. Mutations are expected to arrive on a
// single goroutine (the hub); the lock exists so HTTP and metrics readers on
// other goroutines see a consistent view.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session // sessionID -> Session
	members     map[string]member   // connID -> member
	broadcaster interfaces.Broadcaster
	ids         interfaces.IDAllocator
	audit       interfaces.AuditRecorder
	clock       clock.Clock
	logger      *zap.Logger
	cfg         Config
}

// Option customizes a Registry.
type Option func(*Registry)

// WithIDAllocator replaces the default sequential user id allocator.
func WithIDAllocator(ids interfaces.IDAllocator) Option {
	return func(r *Registry) { r.ids = ids }
}

// WithAuditRecorder records membership changes.
func WithAuditRecorder(audit interfaces.AuditRecorder) Option {
	return func(r *Registry) { r.audit = audit }
}

// WithClock replaces the real clock.
func WithClock(clk clock.Clock) Option {
	return func(r *Registry) { r.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty registry that delivers frames through broadcaster.
func NewRegistry(cfg Config, broadcaster interfaces.Broadcaster, opts ...Option) *Registry {
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = DefaultConfig().MaxMembers
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultConfig().DefaultLanguage
	}
	if len(cfg.Colors) == 0 {
		cfg.Colors = DefaultColors
	}

	r := &Registry{
		sessions:    make(map[string]*Session),
		members:     make(map[string]member),
		broadcaster: broadcaster,
		ids:         NewSequentialIDs(),
		clock:       clock.Real(),
		logger:      zap.NewNop(),
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds a user named username, bound to connID, to sessionID, creating
// the session if needed. On success the joiner receives SYNC_RESPONSE and the
// rest of the session receives USER_JOINED. Rejections are returned as
// DUPLICATE_USERNAME or SESSION_FULL protocol errors and change nothing.
func (r *Registry) Join(sessionID, connID, username string) (*types.User, error) {
	r.mu.Lock()

	if _, joined := r.members[connID]; joined {
		r.mu.Unlock()
		return nil, ErrAlreadyJoined
	}

	now := r.clock.Now()
	sess, exists := r.sessions[sessionID]
	if exists {
		for _, u := range sess.users {
			if u.Username == username {
				r.mu.Unlock()
				r.record(sessionID, types.AuditJoinRejected, 0, username, string(types.ErrorDuplicateUsername))
				return nil, types.NewProtocolError(types.ErrorDuplicateUsername,
					"username %q is already taken in this session", username)
			}
		}
		if len(sess.users) >= r.cfg.MaxMembers {
			r.mu.Unlock()
			r.record(sessionID, types.AuditJoinRejected, 0, username, string(types.ErrorSessionFull))
			return nil, types.NewProtocolError(types.ErrorSessionFull,
				"session is full (maximum %d users)", r.cfg.MaxMembers)
		}
	} else {
		sess = &Session{
			ID:         sessionID,
			Content:    r.cfg.DefaultContent,
			Language:   r.cfg.DefaultLanguage,
			CreatedAt:  now,
			LastActive: now,
			users:      make(map[int64]*types.User),
		}
		r.sessions[sessionID] = sess
	}

	id := r.ids.NextID()
	user := &types.User{
		ID:         id,
		Username:   username,
		Color:      r.pickColor(sess, id),
		LastActive: now,
		SessionID:  sessionID,
	}
	sess.users[id] = user
	sess.LastActive = now
	r.members[connID] = member{sessionID: sessionID, userID: id}

	joined := *user
	snapshot := r.snapshotLocked(sess)
	r.mu.Unlock()

	if !exists {
		r.record(sessionID, types.AuditSessionCreated, 0, "", "")
	}
	r.record(sessionID, types.AuditUserJoined, joined.ID, joined.Username, "")

	r.broadcaster.Subscribe(sessionID, connID)
	r.deliver(
		outbound{sessionID: sessionID, target: connID, env: r.envelope(types.EventSyncResponse, snapshot)},
		outbound{sessionID: sessionID, exclude: connID, env: r.envelope(types.EventUserJoined, types.UserPayload{User: joined})},
	)

	r.logger.Info("User joined session",
		zap.String("session_id", sessionID),
		zap.String("conn_id", connID),
		zap.Int64("user_id", joined.ID),
		zap.String("username", joined.Username),
		zap.Bool("created", !exists))
	return &joined, nil
}

// SyncRequest replies to connID alone with the current snapshot of sessionID.
func (r *Registry) SyncRequest(sessionID, connID string) error {
	r.mu.RLock()
	sess, exists := r.sessions[sessionID]
	if !exists {
		r.mu.RUnlock()
		return ErrSessionNotFound
	}
	snapshot := r.snapshotLocked(sess)
	r.mu.RUnlock()

	r.deliver(outbound{sessionID: sessionID, target: connID, env: r.envelope(types.EventSyncResponse, snapshot)})
	return nil
}

// ContentChange overwrites the document content and relays it to the other members.
func (r *Registry) ContentChange(connID, content string) error {
	user, sessionID, err := r.mutate(connID, func(s *Session) { s.Content = content })
	if err != nil {
		return err
	}
	r.deliver(outbound{sessionID: sessionID, exclude: connID,
		env: r.envelope(types.EventContentChange, types.ContentChangePayload{Content: content, User: user})})
	return nil
}

// LanguageChange overwrites the session language and relays it to the other members.
func (r *Registry) LanguageChange(connID, language string) error {
	user, sessionID, err := r.mutate(connID, func(s *Session) { s.Language = language })
	if err != nil {
		return err
	}
	r.deliver(outbound{sessionID: sessionID, exclude: connID,
		env: r.envelope(types.EventLanguageChange, types.LanguageChangePayload{Language: language, User: user})})
	return nil
}

// CursorMove relays a cursor position. Presence is never stored.
func (r *Registry) CursorMove(connID string, pos types.Position) error {
	user, sessionID, err := r.lookup(connID)
	if err != nil {
		return err
	}
	r.deliver(outbound{sessionID: sessionID, exclude: connID,
		env: r.envelope(types.EventCursorMove, types.CursorMovePayload{Position: pos, User: user})})
	return nil
}

// SelectionChange relays a selection range. Presence is never stored.
func (r *Registry) SelectionChange(connID string, sel types.Selection) error {
	user, sessionID, err := r.lookup(connID)
	if err != nil {
		return err
	}
	r.deliver(outbound{sessionID: sessionID, exclude: connID,
		env: r.envelope(types.EventSelectionChange, types.SelectionChangePayload{Selection: sel, User: user})})
	return nil
}

// Leave removes the user bound to connID, tells the remaining members, and
// deletes the session once it is empty. Unknown connections are ignored.
func (r *Registry) Leave(connID string) (*types.User, bool) {
	r.mu.Lock()
	m, joined := r.members[connID]
	if !joined {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.members, connID)

	sess := r.sessions[m.sessionID]
	user := *sess.users[m.userID]
	delete(sess.users, m.userID)
	closed := len(sess.users) == 0
	if closed {
		delete(r.sessions, m.sessionID)
	}
	r.mu.Unlock()

	r.broadcaster.Unsubscribe(m.sessionID, connID)
	if !closed {
		r.deliver(outbound{sessionID: m.sessionID, exclude: connID,
			env: r.envelope(types.EventUserLeft, types.UserPayload{User: user})})
	}

	r.record(m.sessionID, types.AuditUserLeft, user.ID, user.Username, "")
	if closed {
		r.record(m.sessionID, types.AuditSessionClosed, 0, "", "")
	}

	r.logger.Info("User left session",
		zap.String("session_id", m.sessionID),
		zap.String("conn_id", connID),
		zap.Int64("user_id", user.ID),
		zap.Bool("session_closed", closed))
	return &user, true
}

// UserForConnection returns a copy of the user bound to connID.
func (r *Registry) UserForConnection(connID string) (*types.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, joined := r.members[connID]
	if !joined {
		return nil, false
	}
	u := *r.sessions[m.sessionID].users[m.userID]
	return &u, true
}

// Snapshot returns the current snapshot of sessionID.
func (r *Registry) Snapshot(sessionID string) (*types.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, exists := r.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return r.snapshotLocked(sess), nil
}

// Sessions lists every live session ordered by id.
func (r *Registry) Sessions() []types.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]types.SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		users := sortedUsers(sess)
		names := make([]string, len(users))
		for i, u := range users {
			names[i] = u.Username
		}
		infos = append(infos, types.SessionInfo{
			ID:          sess.ID,
			Language:    sess.Language,
			MemberCount: len(users),
			Usernames:   names,
			CreatedAt:   sess.CreatedAt,
			LastActive:  sess.LastActive,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// MemberCount returns the number of joined users across all sessions.
func (r *Registry) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// GetStats returns registry statistics
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]interface{}{
		"active_sessions": len(r.sessions),
		"active_members":  len(r.members),
		"max_members":     r.cfg.MaxMembers,
	}
}

func (r *Registry) mutate(connID string, apply func(*Session)) (*types.User, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, joined := r.members[connID]
	if !joined {
		return nil, "", ErrNotJoined
	}
	sess := r.sessions[m.sessionID]
	apply(sess)

	now := r.clock.Now()
	sess.LastActive = now
	u := sess.users[m.userID]
	u.LastActive = now

	cp := *u
	return &cp, m.sessionID, nil
}

func (r *Registry) lookup(connID string) (*types.User, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, joined := r.members[connID]
	if !joined {
		return nil, "", ErrNotJoined
	}
	cp := *r.sessions[m.sessionID].users[m.userID]
	return &cp, m.sessionID, nil
}

func (r *Registry) snapshotLocked(sess *Session) *types.Snapshot {
	return &types.Snapshot{
		Content:  sess.Content,
		Language: sess.Language,
		Users:    sortedUsers(sess),
	}
}

func sortedUsers(sess *Session) []types.User {
	users := make([]types.User, 0, len(sess.users))
	for _, u := range sess.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// pickColor returns the first palette color unused in sess, falling back to
// a deterministic choice by id once the palette is exhausted.
func (r *Registry) pickColor(sess *Session, id int64) string {
	used := make(map[string]bool, len(sess.users))
	for _, u := range sess.users {
		used[u.Color] = true
	}
	for _, c := range r.cfg.Colors {
		if !used[c] {
			return c
		}
	}
	return r.cfg.Colors[int(id%int64(len(r.cfg.Colors)))]
}

func (r *Registry) envelope(eventType string, payload interface{}) *types.Envelope {
	env, err := types.NewEnvelope(eventType, payload)
	if err != nil {
		r.logger.Error("Failed to encode frame", zap.String("type", eventType), zap.Error(err))
		return nil
	}
	return env
}

func (r *Registry) deliver(frames ...outbound) {
	for _, f := range frames {
		if f.env == nil {
			continue
		}
		if f.target != "" {
			if err := r.broadcaster.Send(f.target, f.env); err != nil {
				r.logger.Warn("Failed to send frame",
					zap.String("conn_id", f.target),
					zap.String("type", f.env.Type),
					zap.Error(err))
			}
			continue
		}
		r.broadcaster.Broadcast(f.sessionID, f.exclude, f.env)
	}
}

func (r *Registry) record(sessionID, kind string, userID int64, username, detail string) {
	if r.audit == nil {
		return
	}
	r.audit.RecordEvent(&types.AuditEvent{
		SessionID: sessionID,
		Kind:      kind,
		UserID:    userID,
		Username:  username,
		Detail:    detail,
		Timestamp: r.clock.Now(),
	})
}
