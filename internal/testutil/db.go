// Package testutil provides shared helpers for engine tests: throwaway
// SQLite databases with a schema applied and deterministic session tokens.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/internal/driver"
	"github.com/loamdb/loam/internal/schema"
)

// OpenDB opens a file-backed SQLite database in a per-test temp directory,
// applies the schema DDL, and prepares the lock table. The database is
// closed when the test finishes.
func OpenDB(t *testing.T, s *schema.Schema) *driver.SQLite {
	t.Helper()
	db, err := driver.OpenSQLite(filepath.Join(t.TempDir(), "loam.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range s.DDL() {
		_, err := db.DB().Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.EnsureLockTable(context.Background()))
	return db
}

// QuietLogger returns a logger that discards all output.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
