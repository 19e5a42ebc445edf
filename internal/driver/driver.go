// Package driver defines the boundary between the engine core and the SQL
// backend: parameterized execute/fetch, transaction control, and connection
// pool acquire/release. The core never depends on anything beyond this
// contract, which is what keeps the door open for additional dialects.
package driver

import (
	"context"
	"errors"
)

// ErrLockBusy is returned by a non-waiting locking read when another
// transaction already holds the lock. The concurrency controller maps it to
// its own LockUnavailable error.
var ErrLockBusy = errors.New("driver: lock held by another transaction")

// Isolation selects the transaction isolation level.
type Isolation int

const (
	// ReadCommitted is the default level.
	ReadCommitted Isolation = iota
	// Serializable shifts retry-after-abort responsibility to the caller.
	Serializable
)

// Rows iterates a fetched result set. *sql.Rows satisfies it directly.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
}

// Conn is one acquired connection. A connection holds at most one open
// transaction; the session layer guarantees single-goroutine use.
type Conn interface {
	// Execute runs a statement and returns the affected row count.
	Execute(ctx context.Context, sql string, params ...any) (int64, error)

	// Fetch runs a query and returns its rows. The caller must close them.
	Fetch(ctx context.Context, sql string, params ...any) (Rows, error)

	// FetchLocked runs a query after acquiring an exclusive lock covering
	// the selected rows. With wait=false it fails fast with ErrLockBusy when
	// the lock is contended; with wait=true it blocks until the lock is
	// released or the backend's timeout elapses.
	FetchLocked(ctx context.Context, sql string, wait bool, params ...any) (Rows, error)

	// Begin opens a transaction at the given isolation level.
	Begin(ctx context.Context, iso Isolation) error

	// Commit ends the open transaction.
	Commit() error

	// Rollback aborts the open transaction. Rolling back without an open
	// transaction is a no-op.
	Rollback() error
}

// Driver is the connection pool boundary. Sessions acquire a connection
// lazily on their first statement and release it exactly once on scope exit.
type Driver interface {
	Acquire(ctx context.Context) (Conn, error)
	Release(conn Conn) error
	Close() error
}
