package driver

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	d, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()
	require.NoError(t, d.EnsureLockTable(ctx))
	_, err = d.DB().ExecContext(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	return d
}

func TestSQLite_ExecuteReportsAffectedRows(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer d.Release(conn)

	n, err := conn.Execute(ctx, "INSERT INTO items (id, name) VALUES (?, ?)", 1, "widget")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = conn.Execute(ctx, "UPDATE items SET name = ? WHERE id = ?", "gadget", 99)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "no matching row means zero affected rows")
}

func TestSQLite_FetchScansRows(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer d.Release(conn)

	_, err = conn.Execute(ctx, "INSERT INTO items (id, name) VALUES (1, 'a'), (2, 'b')")
	require.NoError(t, err)

	rows, err := conn.Fetch(ctx, "SELECT id, name FROM items ORDER BY id ASC")
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		var id int64
		var name string
		require.NoError(t, rows.Scan(&id, &name))
		got = append(got, name)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSQLite_RollbackDiscardsWrites(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer d.Release(conn)

	require.NoError(t, conn.Begin(ctx, ReadCommitted))
	_, err = conn.Execute(ctx, "INSERT INTO items (id, name) VALUES (1, 'a')")
	require.NoError(t, err)
	require.NoError(t, conn.Rollback())

	rows, err := conn.Fetch(ctx, "SELECT COUNT(*) FROM items")
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var count int
	require.NoError(t, rows.Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSQLite_RollbackWithoutTransactionIsNoOp(t *testing.T) {
	d := openTestDB(t)
	conn, err := d.Acquire(context.Background())
	require.NoError(t, err)
	defer d.Release(conn)

	assert.NoError(t, conn.Rollback())
}

func TestSQLite_BeginTwiceFails(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()
	conn, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer d.Release(conn)

	require.NoError(t, conn.Begin(ctx, ReadCommitted))
	defer conn.Rollback()
	assert.Error(t, conn.Begin(ctx, ReadCommitted))
}

func TestSQLite_FetchLockedNoWaitFailsFastWhenContended(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	holder, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer d.Release(holder)

	rows, err := holder.FetchLocked(ctx, "SELECT id FROM items", true)
	require.NoError(t, err)
	rows.Close()

	contender, err := d.Acquire(ctx)
	require.NoError(t, err)
	defer d.Release(contender)

	_, err = contender.FetchLocked(ctx, "SELECT id FROM items", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockBusy), "want ErrLockBusy, got %v", err)
	require.NoError(t, contender.Rollback())

	// Releasing the holder's lock lets the contender proceed.
	require.NoError(t, holder.Rollback())
	rows, err = contender.FetchLocked(ctx, "SELECT id FROM items", false)
	require.NoError(t, err)
	rows.Close()
	require.NoError(t, contender.Rollback())
}
