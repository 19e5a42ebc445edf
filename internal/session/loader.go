package session

import (
	"context"
	"fmt"

	"github.com/loamdb/loam/internal/cache"
	"github.com/loamdb/loam/internal/schema"
	"github.com/loamdb/loam/internal/sqlgen"
)

// LoadAttributes point-reads one record's attributes. It implements
// cache.Loader; application code never calls it directly.
func (s *Session) LoadAttributes(ctx context.Context, rec *cache.Record, attrs []string) (map[string]any, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	et := rec.EntityType()
	// A type whose only attributes form its key has nothing to project, but
	// the read still has to establish that the row exists.
	cols := attrs
	if len(cols) == 0 {
		cols = et.PK
	}
	stmt := sqlgen.PointSelect(et, cols)
	s.log.DebugContext(ctx, "point read", "record", rec.Key().String())

	rows, err := conn.Fetch(ctx, stmt, rec.Key().Values...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", rec.Key(), err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("load %s: %w", rec.Key(), err)
		}
		return nil, &NotFoundError{Key: rec.Key()}
	}
	vals := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("load %s: %w", rec.Key(), err)
	}
	out := make(map[string]any, len(attrs))
	for i, a := range attrs {
		out[a] = vals[i]
	}
	return out, nil
}

// FindReferencing returns the records whose foreign key (ref.Rel) currently
// points at key. It merges two sources: rows already in storage, and cached
// records whose in-memory reference points at key even though storage does
// not know yet (created or re-pointed in this session). A stored row whose
// cached reference was since cleared is excluded; the in-memory value wins.
func (s *Session) FindReferencing(ctx context.Context, ref schema.RelRef, key schema.Key) ([]*cache.Record, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}
	stmt := sqlgen.SelectWhere(ref.Owner, ref.Owner.PK, ref.Rel.Columns)
	rows, err := conn.Fetch(ctx, stmt, key.Values...)
	if err != nil {
		return nil, fmt.Errorf("scan %s.%s: %w", ref.Owner.Name, ref.Rel.Name, err)
	}
	defer rows.Close()

	var out []*cache.Record
	seen := make(map[string]bool)
	for rows.Next() {
		vals := make([]any, len(ref.Owner.PK))
		dest := make([]any, len(vals))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s.%s: %w", ref.Owner.Name, ref.Rel.Name, err)
		}
		rec, err := s.cache.GetOrCreateSeed(ref.Owner, schema.KeyOf(ref.Owner, vals...))
		if err != nil {
			return nil, err
		}
		seen[rec.Key().String()] = true
		if referenceTarget(rec, ref.Rel, key, false) {
			out = append(out, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s.%s: %w", ref.Owner.Name, ref.Rel.Name, err)
	}

	for _, rec := range s.cache.RecordsOf(ref.Owner.Name) {
		if seen[rec.Key().String()] {
			continue
		}
		if referenceTarget(rec, ref.Rel, key, true) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// referenceTarget reports whether rec's in-memory foreign key points at key.
// When the values are not loaded, strict mode excludes the record and
// non-strict mode trusts the storage row that produced it.
func referenceTarget(rec *cache.Record, rel *schema.Relationship, key schema.Key, strict bool) bool {
	vals := make([]any, len(rel.Columns))
	for i, col := range rel.Columns {
		v, ok := rec.Value(col)
		if !ok {
			return !strict
		}
		if v == nil {
			return false
		}
		vals[i] = v
	}
	return schema.Key{Entity: key.Entity, Values: vals}.Equal(key)
}
