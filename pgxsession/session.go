// Package pgxsession binds the scoped-resource lifecycle protocol to
// PostgreSQL: the expensive per-request resource is a pooled pgx connection
// wrapped in a deferred-write session.
//
// In deferred-write mode every statement runs inside a pending transaction
// that is applied only by an explicit Flush; whatever was never flushed is
// rolled back when the session closes. This is the manual write policy the
// interceptor applies on every open, so the rendering phase that follows the
// protected logic can rely on writes staying buffered.
package pgxsession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkmn/reqscope"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("pgxsession: session is closed")

// SessionFactory implements reqscope.Factory over a pgx connection pool.
// The pool is expected to be managed by the caller; the factory never closes
// it.
type SessionFactory struct {
	pool *pgxpool.Pool
}

var _ reqscope.Factory = (*SessionFactory)(nil)

// NewFactory creates a session factory on top of pool.
func NewFactory(pool *pgxpool.Pool) *SessionFactory {
	return &SessionFactory{pool: pool}
}

// Open acquires a pooled connection, wraps it in a Session, and records the
// open in the audit table. The session starts in immediate-write mode; the
// interceptor switches it to deferred writes.
func (f *SessionFactory) Open(ctx context.Context) (any, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection from pool: %w", err)
	}

	s := &Session{id: uuid.New(), conn: conn}
	if _, err := conn.Exec(ctx,
		"INSERT INTO reqscope_sessions (id) VALUES ($1)", s.id,
	); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to record session open: %w", err)
	}
	return s, nil
}

// Close rolls back unflushed work, records the close in the audit table, and
// releases the connection back to the pool.
func (f *SessionFactory) Close(ctx context.Context, resource any) error {
	s, ok := resource.(*Session)
	if !ok {
		return fmt.Errorf("pgxsession: unexpected resource type %T", resource)
	}
	return s.close(ctx)
}

// Session is one unit-of-work view of a pooled connection.
type Session struct {
	id   uuid.UUID
	conn *pgxpool.Conn

	mu       sync.Mutex
	deferred bool
	tx       pgx.Tx
	closed   bool
}

var _ reqscope.DeferredWriter = (*Session)(nil)

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// DeferWrites switches the session into manual flush mode: subsequent
// statements run inside a pending transaction until Flush is called.
func (s *Session) DeferWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = true
}

// Deferred reports whether the session is in manual flush mode.
func (s *Session) Deferred() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deferred
}

// Exec runs a statement through the session, inside the pending transaction
// when writes are deferred.
func (s *Session) Exec(ctx context.Context, sql string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.deferred {
		_, err := s.conn.Exec(ctx, sql, args...)
		return err
	}
	if err := s.beginLocked(ctx); err != nil {
		return err
	}
	_, err := s.tx.Exec(ctx, sql, args...)
	return err
}

// QueryRow runs a query through the session. Reads see the pending deferred
// writes when the session is in manual flush mode.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errRow{ErrSessionClosed}
	}
	if !s.deferred {
		return s.conn.QueryRow(ctx, sql, args...)
	}
	if err := s.beginLocked(ctx); err != nil {
		return errRow{err}
	}
	return s.tx.QueryRow(ctx, sql, args...)
}

// Flush applies all deferred writes. The session stays in manual flush mode;
// the next write opens a fresh pending transaction.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit(ctx)
	s.tx = nil
	if err != nil {
		return fmt.Errorf("failed to flush session: %w", err)
	}
	return nil
}

func (s *Session) beginLocked(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin deferred transaction: %w", err)
	}
	s.tx = tx
	return nil
}

func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.tx != nil {
		err = s.tx.Rollback(ctx)
		s.tx = nil
	}
	if _, uerr := s.conn.Exec(ctx,
		"UPDATE reqscope_sessions SET closed_at = now() WHERE id = $1", s.id,
	); uerr != nil && err == nil {
		err = fmt.Errorf("failed to record session close: %w", uerr)
	}
	s.conn.Release()
	return err
}

// errRow is a pgx.Row that always fails with a fixed error.
type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}
