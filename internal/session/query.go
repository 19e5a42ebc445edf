package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/loamdb/loam/internal/cache"
	"github.com/loamdb/loam/internal/driver"
	"github.com/loamdb/loam/internal/expr"
	"github.com/loamdb/loam/internal/occ"
	"github.com/loamdb/loam/internal/schema"
	"github.com/loamdb/loam/internal/sqlgen"
)

// Query is a lazy handle over a filtered, ordered selection. No SQL executes
// until the query is materialized with All, Count, or Exists; each of those
// first flushes the session's pending writes so results never observe stale
// in-memory state.
type Query struct {
	s      *Session
	root   *schema.EntityType
	filter expr.Expr
	orders []expr.OrderKey
	limit  int
	offset int
}

// Select builds a lazy query over one entity type. A nil filter selects
// every record.
func (s *Session) Select(typeName string, filter expr.Expr) (*Query, error) {
	et, ok := s.mgr.schema.Type(typeName)
	if !ok {
		return nil, fmt.Errorf("select: unknown entity type %q", typeName)
	}
	return &Query{s: s, root: et, filter: filter, limit: -1, offset: -1}, nil
}

// OrderBy sets the ordering keys, left-to-right tie-break order preserved.
// The root primary key is always the final tie-breaker.
func (q *Query) OrderBy(keys ...expr.OrderKey) *Query {
	q.orders = keys
	return q
}

// Limit caps the result size.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Offset skips the first n results.
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Page selects the nth zero-based page of the given size.
func (q *Query) Page(n, size int) *Query {
	q.limit = size
	q.offset = n * size
	return q
}

func (q *Query) spec() sqlgen.SelectSpec {
	return sqlgen.SelectSpec{
		Root:   q.root,
		Filter: q.filter,
		Orders: q.orders,
		Limit:  q.limit,
		Offset: q.offset,
	}
}

// All executes the query and returns the matching records in order. Results
// are memoized per session until a record of any touched type is dirtied.
func (q *Query) All(ctx context.Context) ([]*cache.Record, error) {
	if err := q.s.Flush(ctx); err != nil {
		return nil, err
	}
	spec := q.spec()
	sql, params, err := q.s.mgr.compiler.Select(spec)
	if err != nil {
		return nil, err
	}

	ckey := resultKey(sql, params)
	if keys, ok := q.s.results.get(ckey); ok {
		q.s.log.DebugContext(ctx, "query served from result cache", "root", q.root.Name)
		return q.s.recordsFor(q.root, keys)
	}

	conn, err := q.s.connection(ctx)
	if err != nil {
		return nil, err
	}
	q.s.log.DebugContext(ctx, "query", "sql", sql)
	rows, err := conn.Fetch(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.root.Name, err)
	}
	recs, err := q.s.hydrateRows(q.root, rows)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.root.Name, err)
	}

	keys := make([]schema.Key, len(recs))
	for i, rec := range recs {
		keys[i] = rec.Key()
	}
	q.s.results.put(ckey, keys, q.s.mgr.compiler.SelectTypes(spec))
	return recs, nil
}

// Count executes the query and returns the number of matching rows,
// honoring Limit and Offset.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if err := q.s.Flush(ctx); err != nil {
		return 0, err
	}
	sql, params, err := q.s.mgr.compiler.Select(q.spec())
	if err != nil {
		return 0, err
	}
	conn, err := q.s.connection(ctx)
	if err != nil {
		return 0, err
	}
	wrapped := "SELECT COUNT(*) FROM (" + sql + ")"
	rows, err := conn.Fetch(ctx, wrapped, params...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", q.root.Name, err)
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s: %w", q.root.Name, err)
		}
	}
	return n, rows.Err()
}

// Exists reports whether the query matches at least one row, honoring Offset:
// with an offset set it answers whether anything remains past the skipped rows.
func (q *Query) Exists(ctx context.Context) (bool, error) {
	probe := *q
	probe.limit = 1
	if err := q.s.Flush(ctx); err != nil {
		return false, err
	}
	sql, params, err := q.s.mgr.compiler.Select(probe.spec())
	if err != nil {
		return false, err
	}
	conn, err := q.s.connection(ctx)
	if err != nil {
		return false, err
	}
	rows, err := conn.Fetch(ctx, sql, params...)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", q.root.Name, err)
	}
	defer rows.Close()
	found := rows.Next()
	return found, rows.Err()
}

// GetBy executes a predicate lookup that must match at most one record:
// zero matches return nil, more than one fails with MultipleResultsError.
// Unlike Select, it executes eagerly.
func (s *Session) GetBy(ctx context.Context, typeName string, filter expr.Expr) (*cache.Record, error) {
	q, err := s.Select(typeName, filter)
	if err != nil {
		return nil, err
	}
	recs, err := q.Limit(2).All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(recs) {
	case 0:
		return nil, nil
	case 1:
		return recs[0], nil
	default:
		return nil, &MultipleResultsError{Entity: typeName}
	}
}

// Lock executes an exclusive locking read for the records matching filter,
// immediately, not lazily. With wait=false a contended lock fails fast with
// occ.LockUnavailableError; with wait=true it blocks until the lock frees or
// the driver's timeout elapses.
func (s *Session) Lock(ctx context.Context, typeName string, filter expr.Expr, wait bool) ([]*cache.Record, error) {
	et, ok := s.mgr.schema.Type(typeName)
	if !ok {
		return nil, fmt.Errorf("lock: unknown entity type %q", typeName)
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	spec := sqlgen.SelectSpec{Root: et, Filter: filter, Limit: -1, Offset: -1}
	sql, params, err := s.mgr.compiler.Select(spec)
	if err != nil {
		return nil, err
	}
	conn, err := s.txConnection(ctx)
	if err != nil {
		return nil, err
	}
	s.log.DebugContext(ctx, "locking read", "root", et.Name, "wait", wait)
	rows, err := occ.FetchLocked(ctx, conn, et.Name, sql, wait, params...)
	if err != nil {
		return nil, err
	}
	return s.hydrateRows(et, rows)
}

// hydrateRows scans a result set whose columns follow the compiled SELECT
// projection (primary key first, then the non-deferred attributes) and folds
// each row into the identity cache.
func (s *Session) hydrateRows(et *schema.EntityType, rows driver.Rows) ([]*cache.Record, error) {
	defer rows.Close()

	cols := make([]string, 0, len(et.Attrs))
	cols = append(cols, et.PK...)
	for _, a := range et.NonDeferred() {
		if !et.IsPK(a) {
			cols = append(cols, a)
		}
	}

	var out []*cache.Record
	for rows.Next() {
		vals := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		rec, err := s.cache.GetOrCreateSeed(et, schema.KeyOf(et, vals[:len(et.PK)]...))
		if err != nil {
			return nil, err
		}
		values := make(map[string]any, len(cols)-len(et.PK))
		for i := len(et.PK); i < len(cols); i++ {
			values[cols[i]] = vals[i]
		}
		s.cache.Hydrate(rec, values)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// recordsFor resolves cached result keys back to records.
func (s *Session) recordsFor(et *schema.EntityType, keys []schema.Key) ([]*cache.Record, error) {
	out := make([]*cache.Record, 0, len(keys))
	for _, k := range keys {
		rec, err := s.cache.GetOrCreateSeed(et, k)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// resultKey identifies one executed query: the SQL text plus the bound
// parameter values.
func resultKey(sql string, params []any) string {
	var b strings.Builder
	b.WriteString(sql)
	for _, p := range params {
		fmt.Fprintf(&b, "|%#v", p)
	}
	return b.String()
}
