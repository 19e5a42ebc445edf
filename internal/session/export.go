package session

import (
	"context"
	"fmt"

	"github.com/loamdb/loam/internal/cache"
	"github.com/loamdb/loam/internal/schema"
)

// Export is the serialization-boundary view of one record: the primary key
// tuple, the loaded attributes in declaration order, and for each to-many
// relationship the related primary keys. Related records are never embedded;
// callers wanting full records fetch them by key.
type Export struct {
	Type      string
	Key       []any
	Attrs     []ExportedAttr
	Relations []ExportedRelation
}

// ExportedAttr is one attribute name/value pair, in declaration order.
type ExportedAttr struct {
	Name  string
	Value any
}

// ExportedRelation lists the keys currently on the other side of a to-many
// relationship.
type ExportedRelation struct {
	Name string
	Keys []schema.Key
}

// Export flushes pending writes and assembles the exported view of rec.
func (s *Session) Export(ctx context.Context, rec *cache.Record) (*Export, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	et := rec.EntityType()
	out := &Export{Type: et.Name, Key: rec.Key().Values}

	for _, a := range et.Attrs {
		if et.IsPK(a.Name) {
			v, _ := rec.Value(a.Name)
			out.Attrs = append(out.Attrs, ExportedAttr{Name: a.Name, Value: v})
			continue
		}
		if v, ok := rec.Value(a.Name); ok {
			out.Attrs = append(out.Attrs, ExportedAttr{Name: a.Name, Value: v})
		}
	}

	for i := range et.Rels {
		rel := &et.Rels[i]
		if !rel.ToMany || rel.Reverse == "" {
			continue
		}
		target, ok := s.mgr.schema.Type(rel.Target)
		if !ok {
			continue
		}
		reverse, ok := target.Rel(rel.Reverse)
		if !ok {
			return nil, fmt.Errorf("export %s: relationship %q has no reverse %q on %s",
				rec.Key(), rel.Name, rel.Reverse, target.Name)
		}
		related, err := s.FindReferencing(ctx, schema.RelRef{Owner: target, Rel: reverse}, rec.Key())
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", rec.Key(), err)
		}
		keys := make([]schema.Key, 0, len(related))
		for _, r := range related {
			if r.State() == cache.StateDeleted {
				continue
			}
			keys = append(keys, r.Key())
		}
		out.Relations = append(out.Relations, ExportedRelation{Name: rel.Name, Keys: keys})
	}
	return out, nil
}
