package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// SQLite is the reference Driver implementation.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
// Use ":memory:" with a shared cache DSN for tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	return &SQLite{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// DB returns the underlying sql.DB for schema setup in tests and tooling.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Acquire checks one connection out of the pool.
func (s *SQLite) Acquire(ctx context.Context) (Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &sqliteConn{conn: conn}, nil
}

// Release returns a connection to the pool.
func (s *SQLite) Release(conn Conn) error {
	sc, ok := conn.(*sqliteConn)
	if !ok {
		return fmt.Errorf("release: foreign connection %T", conn)
	}
	return sc.conn.Close()
}

// Close closes the pool.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// sqliteConn wraps one pooled connection and its (at most one) transaction.
type sqliteConn struct {
	conn *sql.Conn
	inTx bool
}

func (c *sqliteConn) Execute(ctx context.Context, sqlText string, params ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, sqlText, params...)
	if err != nil {
		return 0, mapBusy(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("affected rows: %w", err)
	}
	return n, nil
}

func (c *sqliteConn) Fetch(ctx context.Context, sqlText string, params ...any) (Rows, error) {
	rows, err := c.conn.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, mapBusy(err)
	}
	return rows, nil
}

// FetchLocked emulates an exclusive row-locking read.
//
// SQLite has no row-level locks, so the closest correct emulation is taking
// the database write-intent lock for the open transaction before reading:
// once held, no other transaction can write until this one ends. The lock is
// taken by a no-op write against an internal single-row table; with
// wait=false the busy timeout is dropped to zero first so contention
// surfaces immediately as ErrLockBusy.
func (c *sqliteConn) FetchLocked(ctx context.Context, sqlText string, wait bool, params ...any) (Rows, error) {
	if !c.inTx {
		if err := c.Begin(ctx, ReadCommitted); err != nil {
			return nil, err
		}
	}
	if !wait {
		if _, err := c.conn.ExecContext(ctx, "PRAGMA busy_timeout = 0"); err != nil {
			return nil, fmt.Errorf("drop busy timeout: %w", err)
		}
		defer c.conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	}
	if _, err := c.conn.ExecContext(ctx,
		"INSERT INTO loam_lock (id) VALUES (1) ON CONFLICT(id) DO UPDATE SET id = id"); err != nil {
		return nil, mapBusy(err)
	}
	return c.Fetch(ctx, sqlText, params...)
}

func (c *sqliteConn) Begin(ctx context.Context, iso Isolation) error {
	if c.inTx {
		return fmt.Errorf("begin: transaction already open")
	}
	stmt := "BEGIN"
	if iso == Serializable {
		// Immediate mode takes the write-intent lock up front, serializing
		// writers at transaction start.
		stmt = "BEGIN IMMEDIATE"
	}
	if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
		return mapBusy(err)
	}
	c.inTx = true
	return nil
}

func (c *sqliteConn) Commit() error {
	if !c.inTx {
		return fmt.Errorf("commit: no open transaction")
	}
	c.inTx = false
	if _, err := c.conn.ExecContext(context.Background(), "COMMIT"); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *sqliteConn) Rollback() error {
	if !c.inTx {
		return nil
	}
	c.inTx = false
	if _, err := c.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// EnsureLockTable creates the internal table used by FetchLocked. Called by
// the session manager once per engine, alongside application DDL.
func (s *SQLite) EnsureLockTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS loam_lock (id INTEGER PRIMARY KEY)")
	if err != nil {
		return fmt.Errorf("create lock table: %w", err)
	}
	return nil
}

// mapBusy converts SQLITE_BUSY into the portable ErrLockBusy sentinel.
func mapBusy(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ErrLockBusy, err)
	}
	return err
}
