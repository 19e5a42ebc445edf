// Package session exposes the engine to application code: scoped session
// lifecycle, record creation and lookup, declarative queries, pessimistic
// locking, and explicit flush/commit/rollback.
//
// One session is bound to one logical unit of execution at a time. It holds
// at most one connection, acquired lazily on the first statement and released
// exactly once when the session ends. Entering a scope with With while one is
// already active on the context reuses the active session; the transaction
// ends only when the outermost scope exits.
package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loamdb/loam/internal/cache"
	"github.com/loamdb/loam/internal/driver"
	"github.com/loamdb/loam/internal/flush"
	"github.com/loamdb/loam/internal/schema"
	"github.com/loamdb/loam/internal/sqlgen"
)

// Manager creates sessions over one schema and connection pool. The compiled
// statement cache lives here and is shared by every session.
type Manager struct {
	schema   *schema.Schema
	driver   driver.Driver
	compiler *sqlgen.Compiler
	opts     options
}

// NewManager builds a Manager.
func NewManager(s *schema.Schema, drv driver.Driver, opts ...Option) *Manager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		schema:   s,
		driver:   drv,
		compiler: sqlgen.NewCompiler(s, o.stmtCacheSize),
		opts:     o,
	}
}

// Schema returns the schema the manager serves.
func (m *Manager) Schema() *schema.Schema { return m.schema }

// Session is one unit of work: an identity cache, a lazily acquired
// connection with one open transaction, and a result cache. Not safe for
// concurrent use.
type Session struct {
	mgr     *Manager
	token   uuid.UUID
	log     *slog.Logger
	cache   *cache.Cache
	sched   *flush.Scheduler
	results *resultCache
	iso     driver.Isolation

	conn   driver.Conn
	inTx   bool
	closed bool
}

// Begin opens a session. No connection is acquired until the first statement.
func (m *Manager) Begin() *Session {
	s := &Session{
		mgr:     m,
		token:   m.opts.tokens(),
		iso:     m.opts.isolation,
		results: newResultCache(m.opts.resultCacheSize),
	}
	s.log = m.opts.log.With("session", s.token.String())
	s.cache = cache.New(m.schema, s)
	s.cache.OnDirty(s.results.invalidateType)
	s.sched = flush.New(m.schema, s.log)
	s.log.Debug("session begin")
	return s
}

type ctxKey struct{}

// FromContext returns the session a With scope placed on the context.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok
}

// With runs fn inside a session scope. When a scope is already active on the
// context it is reused and left open for the outer scope to finish; otherwise
// a new session commits when fn returns nil and rolls back when it errors.
func (m *Manager) With(ctx context.Context, fn func(context.Context, *Session) error) error {
	if s, ok := FromContext(ctx); ok && !s.closed {
		return fn(ctx, s)
	}
	s := m.Begin()
	defer s.Close()
	ctx = context.WithValue(ctx, ctxKey{}, s)
	if err := fn(ctx, s); err != nil {
		if rbErr := s.Rollback(); rbErr != nil {
			s.log.Warn("rollback after error failed", "error", rbErr)
		}
		return err
	}
	return s.Commit(ctx)
}

// Token returns the session's identifier, a time-ordered UUID.
func (s *Session) Token() uuid.UUID { return s.token }

// connection returns the session's connection, acquiring one on first use.
//
// Under read-committed isolation reads run in autocommit and a transaction
// opens only when writes flush; optimistic pinning is what detects the
// conflicts a long read transaction would otherwise guard against. Under
// serializable isolation the transaction opens on the first statement.
func (s *Session) connection(ctx context.Context) (driver.Conn, error) {
	if s.closed {
		return nil, fmt.Errorf("session %s: %w", s.token, cache.ErrSessionClosed)
	}
	if s.conn == nil {
		conn, err := s.mgr.driver.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire connection: %w", err)
		}
		s.conn = conn
	}
	if s.iso == driver.Serializable && !s.inTx {
		if err := s.conn.Begin(ctx, s.iso); err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		s.inTx = true
	}
	return s.conn, nil
}

// txConnection is connection plus an open transaction, for statements that
// must stay uncommitted until Commit: flushes and locking reads.
func (s *Session) txConnection(ctx context.Context) (driver.Conn, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	if !s.inTx {
		if err := conn.Begin(ctx, s.iso); err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		s.inTx = true
	}
	return conn, nil
}

// Create inserts a new record into the session. The primary key attributes
// must be present in attrs; keys are client-assigned.
func (s *Session) Create(typeName string, attrs map[string]any) (*cache.Record, error) {
	et, ok := s.mgr.schema.Type(typeName)
	if !ok {
		return nil, fmt.Errorf("create: unknown entity type %q", typeName)
	}
	vals := make([]any, len(et.PK))
	for i, pk := range et.PK {
		v, ok := attrs[pk]
		if !ok {
			return nil, fmt.Errorf("create %s: missing primary key attribute %q", typeName, pk)
		}
		vals[i] = v
	}
	return s.cache.Create(et, schema.KeyOf(et, vals...), attrs)
}

// Get returns the record with the given primary key, loading it when it is
// not cached. A missing row fails with NotFoundError; so does a key whose
// record this session already deleted.
func (s *Session) Get(ctx context.Context, typeName string, keyVals ...any) (*cache.Record, error) {
	et, ok := s.mgr.schema.Type(typeName)
	if !ok {
		return nil, fmt.Errorf("get: unknown entity type %q", typeName)
	}
	key := schema.KeyOf(et, keyVals...)
	if rec, ok := s.cache.Lookup(key); ok && rec.State() == cache.StateDeleted {
		return nil, &NotFoundError{Key: key}
	}
	rec, err := s.cache.GetOrCreateSeed(et, key)
	if err != nil {
		return nil, err
	}
	if rec.State() == cache.StateSeed {
		if err := s.cache.Materialize(ctx, rec, et.NonDeferred()); err != nil {
			// An absent row must not pin its key in the identity map: the
			// caller may create the record next.
			if IsNotFound(err) {
				s.cache.Evict(rec)
			}
			return nil, err
		}
	}
	return rec, nil
}

// Delete marks a record for removal, applying the cascade policy.
func (s *Session) Delete(ctx context.Context, rec *cache.Record) error {
	return s.cache.Delete(ctx, rec)
}

// Reference resolves a to-one relationship of a record.
func (s *Session) Reference(ctx context.Context, rec *cache.Record, rel string) (*cache.Record, error) {
	return s.cache.Reference(ctx, rec, rel)
}

// SetReference assigns a to-one relationship of a record.
func (s *Session) SetReference(ctx context.Context, rec *cache.Record, rel string, target *cache.Record) error {
	return s.cache.SetReference(ctx, rec, rel, target)
}

// Flush sends all pending writes to storage inside the open transaction,
// without committing. A session with no dirty records does not even acquire
// a connection.
func (s *Session) Flush(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("flush: %w", cache.ErrSessionClosed)
	}
	if len(s.cache.Dirty()) == 0 {
		return nil
	}
	conn, err := s.txConnection(ctx)
	if err != nil {
		return err
	}
	return s.sched.Flush(ctx, conn, s.cache)
}

// Commit flushes pending writes and commits the open transaction. The
// session stays usable; the next statement opens a fresh transaction and
// optimistic read tracking starts over.
func (s *Session) Commit(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("commit: %w", cache.ErrSessionClosed)
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if s.inTx {
		if err := s.conn.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		s.inTx = false
	}
	s.cache.ClearReads()
	s.log.Debug("session commit")
	return nil
}

// Rollback aborts the open transaction, discards every cached record, and
// ends the session.
func (s *Session) Rollback() error {
	if s.closed {
		return nil
	}
	s.log.Debug("session rollback")
	var err error
	if s.inTx {
		err = s.conn.Rollback()
		s.inTx = false
	}
	s.end()
	return err
}

// Close ends the session, rolling back any open transaction. Closing twice
// is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.inTx {
		err = s.conn.Rollback()
		s.inTx = false
	}
	s.end()
	return err
}

// end releases the connection exactly once and seals the cache.
func (s *Session) end() {
	s.cache.Close()
	if s.conn != nil {
		if err := s.mgr.driver.Release(s.conn); err != nil {
			s.log.Warn("release connection", "error", err)
		}
		s.conn = nil
	}
	s.closed = true
	s.log.Debug("session end")
}
