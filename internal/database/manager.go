package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	dbconfig "github.com/jiteshy/collabx/pkg/database"
	"github.com/jiteshy/collabx/pkg/interfaces"
	"github.com/jiteshy/collabx/pkg/types"
)

const (
	defaultQueueSize  = 256
	defaultRetryDelay = 5 * time.Second
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager is the SQLite audit store. Every write goes through one writer
// goroutine; reads use the connection pool directly.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
	logger       *zap.Logger
}

var _ interfaces.AuditStore = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	// result is nil for fire-and-forget writes
	result chan error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithRetryDelay sets the pause before a failed write is retried once.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// NewManager opens the database, applies the embedded migrations and starts
// the writer.
func NewManager(config *dbconfig.Config, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	migrations := dbconfig.NewMigrationManager(db, dbconfig.Migrations, "migrations")
	if err := migrations.ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, defaultQueueSize),
		shutdown:     make(chan struct{}),
		retryDelay:   defaultRetryDelay,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			m.run(op)

		case <-m.shutdown:
			// Flush whatever was queued before Close.
			for {
				select {
				case op := <-m.writeChannel:
					m.run(op)
				default:
					m.logger.Debug("Audit write loop shutting down")
					return
				}
			}
		}
	}
}

// run executes op, retrying once after retryDelay.
func (m *Manager) run(op writeOperation) {
	err := op.operation(m.db)
	if err != nil {
		m.logger.Warn("Audit write failed, retrying", zap.Duration("delay", m.retryDelay), zap.Error(err))
		time.Sleep(m.retryDelay)
		if err = op.operation(m.db); err != nil {
			m.logger.Error("Audit write failed after retry", zap.Error(err))
		}
	}
	if op.result != nil {
		op.result <- err
	}
}

// executeWrite queues operation and waits for it to finish.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	case <-time.After(m.config.WriteTimeout):
		m.mu.RUnlock()
		return ErrWriteTimeout
	}
	m.mu.RUnlock()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordEvent queues ev without waiting for the insert. Events are dropped
// when the manager is closed or the queue is full.
func (m *Manager) RecordEvent(ev *types.AuditEvent) {
	if ev == nil {
		return
	}
	e := *ev
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	op := writeOperation{operation: func(db *sql.DB) error {
		return insertEvent(db, &e)
	}}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.writeChannel <- op:
	default:
		m.logger.Warn("Audit queue full, dropping event",
			zap.String("session_id", e.SessionID),
			zap.String("kind", e.Kind))
	}
}

// Flush waits until every write queued before the call has been applied.
func (m *Manager) Flush(ctx context.Context) error {
	return m.executeWrite(ctx, func(*sql.DB) error { return nil })
}

func insertEvent(db *sql.DB, ev *types.AuditEvent) error {
	_, err := db.Exec(`
		INSERT INTO session_events (session_id, kind, user_id, username, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		ev.SessionID,
		ev.Kind,
		ev.UserID,
		ev.Username,
		ev.Detail,
		ev.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session event: %w", err)
	}
	return nil
}

// ListSessionEvents returns up to limit events for sessionID, newest first.
// A non-positive limit returns every event.
func (m *Manager) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*types.AuditEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, session_id, kind, user_id, username, detail, timestamp
		FROM session_events
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*types.AuditEvent{}
	for rows.Next() {
		var ev types.AuditEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.SessionID,
			&ev.Kind,
			&ev.UserID,
			&ev.Username,
			&ev.Detail,
			&ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session event row: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session event rows: %w", err)
	}

	return events, nil
}

// HealthCheck validates database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM session_events").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close flushes queued writes and closes the database. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
