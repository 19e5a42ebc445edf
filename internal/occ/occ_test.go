package occ

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/internal/cache"
	"github.com/loamdb/loam/internal/driver"
	"github.com/loamdb/loam/internal/schema"
)

type stubLoader struct {
	rows map[string]map[string]any
}

func (s *stubLoader) LoadAttributes(ctx context.Context, rec *cache.Record, attrs []string) (map[string]any, error) {
	row := s.rows[rec.Key().String()]
	out := make(map[string]any, len(attrs))
	for _, a := range attrs {
		out[a] = row[a]
	}
	return out, nil
}

func (s *stubLoader) FindReferencing(ctx context.Context, ref schema.RelRef, key schema.Key) ([]*cache.Record, error) {
	return nil, nil
}

// fakeConn records the last statement and returns a configurable affected
// count or error.
type fakeConn struct {
	sql      string
	params   []any
	wait     bool
	affected int64
	execErr  error
	lockErr  error
}

func (f *fakeConn) Execute(ctx context.Context, sql string, params ...any) (int64, error) {
	f.sql, f.params = sql, params
	return f.affected, f.execErr
}

func (f *fakeConn) Fetch(ctx context.Context, sql string, params ...any) (driver.Rows, error) {
	f.sql, f.params = sql, params
	return nil, nil
}

func (f *fakeConn) FetchLocked(ctx context.Context, sql string, wait bool, params ...any) (driver.Rows, error) {
	f.sql, f.params, f.wait = sql, params, wait
	return nil, f.lockErr
}

func (f *fakeConn) Begin(ctx context.Context, iso driver.Isolation) error { return nil }
func (f *fakeConn) Commit() error                                         { return nil }
func (f *fakeConn) Rollback() error                                       { return nil }

func testRecord(t *testing.T, row map[string]any) *cache.Record {
	t.Helper()
	product := &schema.EntityType{
		Name: "Product",
		Attrs: []schema.Attribute{
			{Name: "id", Kind: schema.KindInt},
			{Name: "name", Kind: schema.KindText},
			{Name: "price", Kind: schema.KindInt},
		},
		PK: []string{"id"},
	}
	s, err := schema.New(product)
	require.NoError(t, err)
	pt, _ := s.Type("Product")

	loader := &stubLoader{rows: map[string]map[string]any{}}
	c := cache.New(s, loader)
	key := schema.KeyOf(pt, 10)
	loader.rows[key.String()] = row

	rec, err := c.GetOrCreateSeed(pt, key)
	require.NoError(t, err)
	return rec
}

func TestUpdate_PinsTouchedAttributes(t *testing.T) {
	ctx := context.Background()
	rec := testRecord(t, map[string]any{"name": "bolt", "price": 5})

	_, err := rec.Get(ctx, "price")
	require.NoError(t, err)
	require.NoError(t, rec.Set(ctx, "price", 9))

	conn := &fakeConn{affected: 1}
	require.NoError(t, Update(ctx, conn, rec))

	assert.Equal(t, "UPDATE products SET price = ? WHERE id = ? AND price = ?", conn.sql)
	assert.Equal(t, []any{9, 10, 5}, conn.params)
}

func TestUpdate_NullReadPinsWithIsNull(t *testing.T) {
	ctx := context.Background()
	rec := testRecord(t, map[string]any{"name": nil, "price": 5})

	_, err := rec.Get(ctx, "name")
	require.NoError(t, err)
	require.NoError(t, rec.Set(ctx, "price", 9))

	conn := &fakeConn{affected: 1}
	require.NoError(t, Update(ctx, conn, rec))

	assert.Equal(t, "UPDATE products SET price = ? WHERE id = ? AND name IS NULL AND price = ?", conn.sql)
	assert.Equal(t, []any{9, 10, 5}, conn.params, "NULL pins bind no parameter")
}

func TestUpdate_ZeroAffectedFailsOptimisticCheck(t *testing.T) {
	ctx := context.Background()
	rec := testRecord(t, map[string]any{"name": "bolt", "price": 5})
	require.NoError(t, rec.Set(ctx, "price", 9))

	conn := &fakeConn{affected: 0}
	err := Update(ctx, conn, rec)
	require.Error(t, err)
	assert.True(t, IsOptimisticCheckError(err))

	var oe *OptimisticCheckError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "update", oe.Op)
}

func TestUpdate_NothingWrittenIsNoOp(t *testing.T) {
	ctx := context.Background()
	rec := testRecord(t, map[string]any{"name": "bolt", "price": 5})
	_, err := rec.Get(ctx, "price")
	require.NoError(t, err)

	conn := &fakeConn{}
	require.NoError(t, Update(ctx, conn, rec))
	assert.Empty(t, conn.sql)
}

func TestDelete_PinsReads(t *testing.T) {
	ctx := context.Background()
	rec := testRecord(t, map[string]any{"name": "bolt", "price": 5})
	_, err := rec.Get(ctx, "price")
	require.NoError(t, err)

	conn := &fakeConn{affected: 1}
	require.NoError(t, Delete(ctx, conn, rec))

	assert.Equal(t, "DELETE FROM products WHERE id = ? AND price = ?", conn.sql)
	assert.Equal(t, []any{10, 5}, conn.params)
}

func TestDelete_ZeroAffectedFailsOptimisticCheck(t *testing.T) {
	ctx := context.Background()
	rec := testRecord(t, map[string]any{"name": "bolt", "price": 5})

	conn := &fakeConn{affected: 0}
	err := Delete(ctx, conn, rec)
	require.Error(t, err)
	assert.True(t, IsOptimisticCheckError(err))
}

func TestFetchLocked_MapsBusyToLockUnavailable(t *testing.T) {
	conn := &fakeConn{lockErr: driver.ErrLockBusy}
	_, err := FetchLocked(context.Background(), conn, "Product", "SELECT 1", false)
	require.Error(t, err)

	var le *LockUnavailableError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "Product", le.Entity)
	assert.False(t, conn.wait)
}

func TestFetchLocked_OtherErrorsWrap(t *testing.T) {
	boom := errors.New("disk on fire")
	conn := &fakeConn{lockErr: boom}
	_, err := FetchLocked(context.Background(), conn, "Product", "SELECT 1", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, conn.wait)
}
