// Package client implements the peer side of a collabx session: the
// connection state machine, reconnection, and the local projection of the
// shared document and presence.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jiteshy/collabx/internal/clock"
	"github.com/jiteshy/collabx/internal/config"
	"github.com/jiteshy/collabx/pkg/types"
)

// Status is the connection state of an Agent.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Callbacks are optional hooks. They run after the agent's state has been
// updated and without its lock held, so they may call back into the agent.
type Callbacks struct {
	OnStatusChange    func(Status)
	OnSnapshot        func(types.Snapshot)
	OnContentChange   func(content string, from types.User)
	OnLanguageChange  func(language string, from types.User)
	OnCursorMove      func(from types.User, pos types.Position)
	OnSelectionChange func(from types.User, sel types.Selection)
	OnUserJoined      func(types.User)
	OnUserLeft        func(types.User)
	OnSessionFull     func(message string)
	OnError           func(*types.ProtocolError)

	// OnGiveUp fires when the agent disconnects on its own and will not
	// retry: a join rejection or exhausted reconnect attempts.
	OnGiveUp func(reason *types.ProtocolError)
}

// State is a copy of the agent's local view.
type State struct {
	Status                   Status
	Content                  string
	Language                 string
	Users                    []types.User
	Cursors                  map[int64]types.Position
	Selections               map[int64]types.Selection
	Self                     *types.User
	UsernameError            string
	LastError                *types.ProtocolError
	ReconnectAttempts        int
	LastSuccessfulConnection time.Time
}

// Agent mirrors one session for one user.
type Agent struct {
	mu sync.Mutex

	cfg       config.ClientConfig
	sessionID string
	username  string
	dialer    Dialer
	clock     clock.Clock
	policy    *ReconnectPolicy
	callbacks Callbacks
	logger    *zap.Logger

	status              Status
	transport           Transport
	generation          uint64
	retryTimer          clock.Timer
	isInitialConnection bool
	isDisconnecting     bool
	pendingReset        bool
	rejoining           bool
	lastError           *types.ProtocolError
	lastSuccess         time.Time
	usernameError       string

	content    string
	language   string
	selfID     int64
	users      map[int64]types.User
	cursors    map[int64]types.Position
	selections map[int64]types.Selection
}

// Option customizes an Agent.
type Option func(*Agent)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(a *Agent) { a.dialer = d }
}

// WithClock replaces the clock driving reconnect timers.
func WithClock(clk clock.Clock) Option {
	return func(a *Agent) { a.clock = clk }
}

func WithCallbacks(cb Callbacks) Option {
	return func(a *Agent) { a.callbacks = cb }
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// NewAgent creates a disconnected agent that will join sessionID as username.
func NewAgent(cfg *config.ClientConfig, sessionID, username string, opts ...Option) (*Agent, error) {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	if err := types.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := types.ValidateUsername(username); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:                 *cfg,
		sessionID:           sessionID,
		username:            username,
		clock:               clock.Real(),
		logger:              zap.NewNop(),
		isInitialConnection: true,
		users:               make(map[int64]types.User),
		cursors:             make(map[int64]types.Position),
		selections:          make(map[int64]types.Selection),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.dialer == nil {
		a.dialer = NewWebSocketDialer(cfg.HandshakeTimeout, cfg.ReadTimeout, a.logger)
	}
	a.policy = NewReconnectPolicy(cfg.Reconnect)
	return a, nil
}

// effects are side effects computed under the lock and run after it.
type effects []func()

func (e *effects) add(f func()) { *e = append(*e, f) }

func (e effects) run() {
	for _, f := range e {
		f()
	}
}

// Connect opens a transport. It does nothing unless the agent is fully
// disconnected.
func (a *Agent) Connect() {
	var fx effects
	a.mu.Lock()
	if a.status == StatusDisconnected && !a.isDisconnecting {
		a.connectLocked(&fx)
	}
	a.mu.Unlock()
	fx.run()
}

func (a *Agent) connectLocked(fx *effects) {
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	a.generation++
	a.setStatus(StatusConnecting, fx)
	a.transport = a.dialer.Dial(a.endpoint(), &listener{agent: a, generation: a.generation})
	a.logger.Debug("Connecting", zap.String("session_id", a.sessionID), zap.Int("attempt", a.policy.Attempts()))
}

func (a *Agent) endpoint() string {
	u, err := url.Parse(a.cfg.ServerURL)
	if err != nil {
		return a.cfg.ServerURL
	}
	q := u.Query()
	q.Set("sessionId", a.sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Disconnect tears the connection down and cancels any pending retry. A
// later Connect starts over with a fresh JOIN.
func (a *Agent) Disconnect() {
	var fx effects
	a.mu.Lock()
	a.disconnectLocked(&fx)
	a.mu.Unlock()
	fx.run()
}

func (a *Agent) disconnectLocked(fx *effects) {
	if a.isDisconnecting {
		return
	}
	a.isDisconnecting = true

	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	a.generation++
	t := a.transport
	a.transport = nil
	a.policy.Reset()
	a.isInitialConnection = true
	a.pendingReset = false
	a.rejoining = false
	a.setStatus(StatusDisconnected, fx)

	fx.add(func() {
		if t != nil {
			_ = t.Close()
		}
		a.mu.Lock()
		a.isDisconnecting = false
		a.mu.Unlock()
	})
}

func (a *Agent) setStatus(s Status, fx *effects) {
	if a.status == s {
		return
	}
	a.status = s
	if cb := a.callbacks.OnStatusChange; cb != nil {
		fx.add(func() { cb(s) })
	}
}

// SendMessage sends one event. It returns false, and the event is lost, unless
// the agent is connected.
func (a *Agent) SendMessage(eventType string, payload interface{}) bool {
	a.mu.Lock()
	t := a.transport
	connected := a.status == StatusConnected
	a.mu.Unlock()
	if !connected || t == nil {
		return false
	}
	return a.send(t, eventType, payload)
}

func (a *Agent) send(t Transport, eventType string, payload interface{}) bool {
	env, err := types.NewEnvelope(eventType, payload)
	if err != nil {
		a.logger.Error("Failed to encode event", zap.String("type", eventType), zap.Error(err))
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		return false
	}
	if err := t.Send(data); err != nil {
		a.logger.Debug("Send failed", zap.String("type", eventType), zap.Error(err))
		return false
	}
	return true
}

// sendLocked queues a send to run after the lock is released.
func (a *Agent) sendLocked(fx *effects, eventType string, payload interface{}) {
	t := a.transport
	if t == nil {
		return
	}
	fx.add(func() { a.send(t, eventType, payload) })
}

// UpdateContent applies content locally, then sends it.
func (a *Agent) UpdateContent(content string) bool {
	if err := types.ValidateContent(content); err != nil {
		return false
	}
	a.mu.Lock()
	a.content = content
	a.mu.Unlock()
	return a.SendMessage(types.EventContentChange, types.ContentChangePayload{Content: content})
}

// UpdateLanguage applies language locally, then sends it.
func (a *Agent) UpdateLanguage(language string) bool {
	if err := types.ValidateLanguage(language); err != nil {
		return false
	}
	a.mu.Lock()
	a.language = language
	a.mu.Unlock()
	return a.SendMessage(types.EventLanguageChange, types.LanguageChangePayload{Language: language})
}

// MoveCursor records the local cursor, then sends it.
func (a *Agent) MoveCursor(pos types.Position) bool {
	if err := types.ValidatePosition(pos); err != nil {
		return false
	}
	a.mu.Lock()
	if a.selfID != 0 {
		a.cursors[a.selfID] = pos
	}
	a.mu.Unlock()
	return a.SendMessage(types.EventCursorMove, types.CursorMovePayload{Position: pos})
}

// ChangeSelection records the local selection, then sends it.
func (a *Agent) ChangeSelection(sel types.Selection) bool {
	if err := types.ValidateSelection(sel); err != nil {
		return false
	}
	a.mu.Lock()
	if a.selfID != 0 {
		a.selections[a.selfID] = sel
	}
	a.mu.Unlock()
	return a.SendMessage(types.EventSelectionChange, types.SelectionChangePayload{Selection: sel})
}

// RequestSync asks the gateway for a fresh snapshot.
func (a *Agent) RequestSync() bool {
	return a.SendMessage(types.EventSyncRequest, nil)
}

// Status returns the current connection state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// State returns a copy of the local view.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := State{
		Status:                   a.status,
		Content:                  a.content,
		Language:                 a.language,
		Users:                    a.rosterLocked(),
		Cursors:                  make(map[int64]types.Position, len(a.cursors)),
		Selections:               make(map[int64]types.Selection, len(a.selections)),
		UsernameError:            a.usernameError,
		LastError:                a.lastError,
		ReconnectAttempts:        a.policy.Attempts(),
		LastSuccessfulConnection: a.lastSuccess,
	}
	for id, p := range a.cursors {
		s.Cursors[id] = p
	}
	for id, sel := range a.selections {
		s.Selections[id] = sel
	}
	if u, ok := a.users[a.selfID]; ok {
		s.Self = &u
	}
	return s
}

func (a *Agent) rosterLocked() []types.User {
	users := make([]types.User, 0, len(a.users))
	for _, u := range a.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// listener binds transport events to the connect attempt that created it.
// Events from an older attempt are ignored.
type listener struct {
	agent      *Agent
	generation uint64
}

func (l *listener) OnOpen() {
	l.agent.handle(l.generation, (*Agent).onOpen)
}

func (l *listener) OnClose(err error) {
	l.agent.handle(l.generation, func(a *Agent, fx *effects) { a.onClose(err, fx) })
}

func (l *listener) OnError(perr *types.ProtocolError) {
	l.agent.handle(l.generation, func(a *Agent, fx *effects) { a.onError(perr, fx) })
}

func (l *listener) OnMessage(data []byte) {
	l.agent.handle(l.generation, func(a *Agent, fx *effects) { a.onMessage(data, fx) })
}

func (a *Agent) handle(generation uint64, fn func(*Agent, *effects)) {
	var fx effects
	a.mu.Lock()
	if generation == a.generation {
		fn(a, &fx)
	}
	a.mu.Unlock()
	fx.run()
}

// onOpen resets the reconnect schedule, except for a rejoin: that waits for
// the server to accept the JOIN so repeated rejections stay bounded.
func (a *Agent) onOpen(fx *effects) {
	a.setStatus(StatusConnected, fx)
	a.lastError = nil
	a.lastSuccess = a.clock.Now()

	switch {
	case a.isInitialConnection:
		a.policy.Reset()
		a.isInitialConnection = false
		a.pendingReset = true
		a.sendLocked(fx, types.EventJoin, types.JoinPayload{Username: a.username})
	case a.cfg.ReconnectMode == config.ReconnectObserve:
		a.policy.Reset()
		a.sendLocked(fx, types.EventSyncRequest, nil)
	default:
		a.rejoining = true
		a.sendLocked(fx, types.EventJoin, types.JoinPayload{Username: a.username})
	}
	a.logger.Info("Connected", zap.String("session_id", a.sessionID), zap.String("username", a.username))
}

func (a *Agent) onClose(err error, fx *effects) {
	a.logger.Info("Connection lost", zap.String("session_id", a.sessionID), zap.Error(err))
	a.dropTransport(fx)
	a.recordError(types.NewProtocolError(types.ErrorConnection, "connection lost"), fx)
	a.scheduleRetry(fx)
}

func (a *Agent) onError(perr *types.ProtocolError, fx *effects) {
	a.dropTransport(fx)
	a.recordError(perr, fx)
	a.scheduleRetry(fx)
}

// dropTransport detaches the current transport so its late events are ignored.
func (a *Agent) dropTransport(fx *effects) {
	a.generation++
	t := a.transport
	a.transport = nil
	a.setStatus(StatusDisconnected, fx)
	if t != nil {
		fx.add(func() { _ = t.Close() })
	}
}

func (a *Agent) recordError(perr *types.ProtocolError, fx *effects) {
	a.lastError = perr
	if cb := a.callbacks.OnError; cb != nil {
		fx.add(func() { cb(perr) })
	}
}

func (a *Agent) scheduleRetry(fx *effects) {
	delay, ok := a.policy.Next()
	if !ok {
		a.logger.Warn("Reconnect attempts exhausted", zap.Int("max_retries", a.policy.MaxRetries()))
		perr := types.NewProtocolError(types.ErrorConnection,
			"unable to reach the server after %d attempts, please retry manually", a.policy.MaxRetries())
		a.recordError(perr, fx)
		a.giveUp(perr, fx)
		return
	}

	generation := a.generation
	a.retryTimer = a.clock.AfterFunc(delay, func() { a.retry(generation) })
	a.logger.Debug("Reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", a.policy.Attempts()))
}

func (a *Agent) giveUp(reason *types.ProtocolError, fx *effects) {
	a.disconnectLocked(fx)
	if cb := a.callbacks.OnGiveUp; cb != nil {
		fx.add(func() { cb(reason) })
	}
}

func (a *Agent) retry(generation uint64) {
	var fx effects
	a.mu.Lock()
	if generation == a.generation && a.status == StatusDisconnected && !a.isDisconnecting {
		a.retryTimer = nil
		a.connectLocked(&fx)
	}
	a.mu.Unlock()
	fx.run()
}

func (a *Agent) onMessage(data []byte, fx *effects) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		a.logger.Debug("Dropping malformed frame")
		return
	}

	switch env.Type {
	case types.EventSyncResponse:
		a.applySnapshot(env.Payload, fx)
	case types.EventError:
		a.handleServerError(env.Payload, fx)
	case types.EventContentChange, types.EventLanguageChange, types.EventCursorMove,
		types.EventSelectionChange, types.EventUserJoined, types.EventUserLeft:
		a.applyBroadcast(env.Type, env.Payload, fx)
	default:
		// LEAVE, UNDO, REDO and UNDO_REDO_STACK carry no state.
	}
}

func (a *Agent) applySnapshot(payload json.RawMessage, fx *effects) {
	snap, err := types.ValidateSnapshot(payload)
	if err != nil {
		a.recordError(types.NewProtocolError(types.ErrorSync, "invalid snapshot: %v", err), fx)
		return
	}

	if a.rejoining {
		a.rejoining = false
		a.policy.Reset()
	}
	if a.pendingReset {
		a.pendingReset = false
		a.cursors = make(map[int64]types.Position)
		a.selections = make(map[int64]types.Selection)
	}
	a.content = snap.Content
	a.language = snap.Language
	a.users = make(map[int64]types.User, len(snap.Users))
	a.selfID = 0
	for _, u := range snap.Users {
		a.users[u.ID] = u
		if u.Username == a.username {
			a.selfID = u.ID
		}
	}
	for id := range a.cursors {
		if _, ok := a.users[id]; !ok {
			delete(a.cursors, id)
		}
	}
	for id := range a.selections {
		if _, ok := a.users[id]; !ok {
			delete(a.selections, id)
		}
	}

	if cb := a.callbacks.OnSnapshot; cb != nil {
		s := *snap
		fx.add(func() { cb(s) })
	}
}

func (a *Agent) applyBroadcast(eventType string, payload json.RawMessage, fx *effects) {
	v, from, err := types.DecodeBroadcast(eventType, payload)
	if err != nil {
		a.logger.Debug("Dropping malformed broadcast", zap.String("type", eventType), zap.Error(err))
		return
	}
	user := *from
	cb := a.callbacks

	switch p := v.(type) {
	case types.ContentChangePayload:
		a.content = p.Content
		if cb.OnContentChange != nil {
			fx.add(func() { cb.OnContentChange(p.Content, user) })
		}
	case types.LanguageChangePayload:
		a.language = p.Language
		if cb.OnLanguageChange != nil {
			fx.add(func() { cb.OnLanguageChange(p.Language, user) })
		}
	case types.CursorMovePayload:
		a.cursors[user.ID] = p.Position
		if cb.OnCursorMove != nil {
			fx.add(func() { cb.OnCursorMove(user, p.Position) })
		}
	case types.SelectionChangePayload:
		a.selections[user.ID] = p.Selection
		if cb.OnSelectionChange != nil {
			fx.add(func() { cb.OnSelectionChange(user, p.Selection) })
		}
	case types.UserPayload:
		if eventType == types.EventUserJoined {
			a.users[user.ID] = user
			if cb.OnUserJoined != nil {
				fx.add(func() { cb.OnUserJoined(user) })
			}
			return
		}
		delete(a.users, user.ID)
		delete(a.cursors, user.ID)
		delete(a.selections, user.ID)
		if cb.OnUserLeft != nil {
			fx.add(func() { cb.OnUserLeft(user) })
		}
	}
}

func (a *Agent) handleServerError(payload json.RawMessage, fx *effects) {
	var perr types.ProtocolError
	if err := json.Unmarshal(payload, &perr); err != nil || perr.Type == "" {
		a.logger.Debug("Dropping malformed error frame")
		return
	}

	switch {
	case errors.Is(&perr, types.ErrSessionFull):
		a.lastError = &perr
		if cb := a.callbacks.OnSessionFull; cb != nil {
			msg := perr.Message
			fx.add(func() { cb(msg) })
		}
		a.giveUp(&perr, fx)
	case errors.Is(&perr, types.ErrDuplicateUsername) && a.rejoining:
		// The server still holds the member of the dropped connection until
		// its heartbeat expires.
		a.logger.Info("Rejoin refused, retrying", zap.String("username", a.username))
		a.rejoining = false
		a.dropTransport(fx)
		a.recordError(&perr, fx)
		a.scheduleRetry(fx)
	case errors.Is(&perr, types.ErrDuplicateUsername):
		a.usernameError = perr.Message
		a.recordError(&perr, fx)
		a.giveUp(&perr, fx)
	case errors.Is(&perr, types.ErrSync), errors.Is(&perr, types.ErrInvalidPayload):
		a.logger.Debug("Resyncing after server error", zap.String("type", string(perr.Type)))
		a.sendLocked(fx, types.EventSyncRequest, nil)
	default:
		a.recordError(&perr, fx)
	}
}
