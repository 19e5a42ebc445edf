// Package schema holds the static description of entity types: attributes,
// primary keys, and relationship links. It is the leaf package of the engine;
// every other component consumes it and none of them mutate it after
// construction.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Kind is the storage kind of an attribute value.
type Kind int

const (
	KindInt Kind = iota
	KindText
	KindReal
	KindBool
)

// String returns the kind name used in DDL and diagnostics.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "INTEGER"
	case KindText:
		return "TEXT"
	case KindReal:
		return "REAL"
	case KindBool:
		return "BOOLEAN"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Attribute is one named column of an entity type.
//
// Deferred attributes are skipped by the default materializing read and
// loaded individually on first access.
type Attribute struct {
	Name     string
	Kind     Kind
	Deferred bool
}

// Relationship links two entity types.
//
// A to-one relationship owns foreign-key columns (Columns, parallel to the
// target's primary key) and may be Required. A to-many relationship owns no
// columns; it is the reverse of a to-one on the target type.
//
// Cascade, when non-nil, overrides the default delete policy for this
// relationship regardless of multiplicity and optionality.
type Relationship struct {
	Name     string
	Target   string
	ToMany   bool
	Required bool
	Columns  []string
	Reverse  string
	Cascade  *bool
}

// EntityType describes one persistent entity: its table, ordered attributes,
// primary key, and relationships.
type EntityType struct {
	Name  string
	Table string
	Attrs []Attribute
	PK    []string
	Rels  []Relationship

	attrIdx map[string]int
	relIdx  map[string]int
	pkSet   map[string]bool
}

// Attr returns the attribute with the given name.
func (et *EntityType) Attr(name string) (*Attribute, bool) {
	i, ok := et.attrIdx[name]
	if !ok {
		return nil, false
	}
	return &et.Attrs[i], true
}

// Rel returns the relationship with the given name.
func (et *EntityType) Rel(name string) (*Relationship, bool) {
	i, ok := et.relIdx[name]
	if !ok {
		return nil, false
	}
	return &et.Rels[i], true
}

// IsPK reports whether the named attribute is part of the primary key.
func (et *EntityType) IsPK(name string) bool {
	return et.pkSet[name]
}

// NonDeferred returns the names of all non-deferred, non-key attributes in
// declaration order. This is the default column set for a materializing read.
func (et *EntityType) NonDeferred() []string {
	var names []string
	for _, a := range et.Attrs {
		if a.Deferred || et.pkSet[a.Name] {
			continue
		}
		names = append(names, a.Name)
	}
	return names
}

// index builds the lookup maps. Called once during Schema construction.
func (et *EntityType) index() {
	et.attrIdx = make(map[string]int, len(et.Attrs))
	for i, a := range et.Attrs {
		et.attrIdx[a.Name] = i
	}
	et.relIdx = make(map[string]int, len(et.Rels))
	for i, r := range et.Rels {
		et.relIdx[r.Name] = i
	}
	et.pkSet = make(map[string]bool, len(et.PK))
	for _, name := range et.PK {
		et.pkSet[name] = true
	}
}

// RelRef identifies a relationship together with the entity type that owns it.
// Used when walking the inbound edges of a type (cascade evaluation, delete
// ordering).
type RelRef struct {
	Owner *EntityType
	Rel   *Relationship
}

// Schema is an immutable, validated set of entity types.
//
// Construction validates every relationship pairing; after New returns the
// schema is safe for concurrent reads from any number of sessions.
type Schema struct {
	types   map[string]*EntityType
	order   []string
	version string
}

// New validates the given entity types and assembles them into a Schema.
//
// Validation rules:
//   - primary-key attribute names must exist
//   - relationship targets must name a type in the schema
//   - to-one relationships must carry foreign-key columns matching the
//     target's primary key arity, and every column must be an attribute
//   - a relationship's Reverse must exist on the target and point back
//     (the two sides always agree on membership, so the pairing must be
//     structurally sound up front)
func New(types ...*EntityType) (*Schema, error) {
	s := &Schema{types: make(map[string]*EntityType, len(types))}
	for _, et := range types {
		if et.Name == "" {
			return nil, fmt.Errorf("schema: entity type with empty name")
		}
		if _, dup := s.types[et.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate entity type %q", et.Name)
		}
		if et.Table == "" {
			et.Table = strings.ToLower(et.Name) + "s"
		}
		et.index()
		s.types[et.Name] = et
		s.order = append(s.order, et.Name)
	}

	for _, et := range types {
		if len(et.PK) == 0 {
			return nil, fmt.Errorf("schema: %s has no primary key", et.Name)
		}
		for _, pk := range et.PK {
			if _, ok := et.Attr(pk); !ok {
				return nil, fmt.Errorf("schema: %s primary key names unknown attribute %q", et.Name, pk)
			}
		}
		for i := range et.Rels {
			if err := s.validateRel(et, &et.Rels[i]); err != nil {
				return nil, err
			}
		}
	}

	s.version = computeVersion(types)
	return s, nil
}

func (s *Schema) validateRel(et *EntityType, rel *Relationship) error {
	target, ok := s.types[rel.Target]
	if !ok {
		return fmt.Errorf("schema: %s.%s targets unknown type %q", et.Name, rel.Name, rel.Target)
	}
	if rel.ToMany {
		if len(rel.Columns) != 0 {
			return fmt.Errorf("schema: to-many %s.%s must not own columns", et.Name, rel.Name)
		}
	} else {
		if len(rel.Columns) != len(target.PK) {
			return fmt.Errorf("schema: %s.%s has %d foreign-key columns, target %s has %d key attributes",
				et.Name, rel.Name, len(rel.Columns), target.Name, len(target.PK))
		}
		for _, col := range rel.Columns {
			if _, ok := et.Attr(col); !ok {
				return fmt.Errorf("schema: %s.%s foreign-key column %q is not an attribute", et.Name, rel.Name, col)
			}
		}
	}
	if rel.Reverse != "" {
		rev, ok := target.Rel(rel.Reverse)
		if !ok {
			return fmt.Errorf("schema: %s.%s reverse %q not found on %s", et.Name, rel.Name, rel.Reverse, target.Name)
		}
		if rev.Target != et.Name {
			return fmt.Errorf("schema: %s.%s reverse %s.%s targets %q, want %q",
				et.Name, rel.Name, target.Name, rev.Name, rev.Target, et.Name)
		}
		if rev.ToMany == rel.ToMany {
			return fmt.Errorf("schema: %s.%s and its reverse %s.%s have the same multiplicity",
				et.Name, rel.Name, target.Name, rev.Name)
		}
	}
	return nil
}

// Type returns the entity type with the given name.
func (s *Schema) Type(name string) (*EntityType, bool) {
	et, ok := s.types[name]
	return et, ok
}

// Types returns all entity types in declaration order.
func (s *Schema) Types() []*EntityType {
	out := make([]*EntityType, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.types[name])
	}
	return out
}

// Version is a content hash of the schema structure. The compiled-statement
// cache keys on it so a schema change never reuses stale SQL.
func (s *Schema) Version() string {
	return s.version
}

// ReferencesTo returns every to-one relationship in the schema whose target
// is the named type. These are the inbound foreign-key edges consulted when
// deleting a record of that type.
func (s *Schema) ReferencesTo(name string) []RelRef {
	var refs []RelRef
	for _, tn := range s.order {
		et := s.types[tn]
		for i := range et.Rels {
			rel := &et.Rels[i]
			if !rel.ToMany && rel.Target == name {
				refs = append(refs, RelRef{Owner: et, Rel: rel})
			}
		}
	}
	return refs
}

// computeVersion hashes the structural content of the schema. Names are
// NFC-normalized so visually identical declarations hash identically.
func computeVersion(types []*EntityType) string {
	var b strings.Builder
	sorted := make([]*EntityType, len(types))
	copy(sorted, types)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, et := range sorted {
		fmt.Fprintf(&b, "type %s table %s pk %s\n", nfc(et.Name), nfc(et.Table), strings.Join(et.PK, ","))
		for _, a := range et.Attrs {
			fmt.Fprintf(&b, "attr %s %s deferred=%t\n", nfc(a.Name), a.Kind, a.Deferred)
		}
		for _, r := range et.Rels {
			fmt.Fprintf(&b, "rel %s -> %s many=%t required=%t cols=%s rev=%s\n",
				nfc(r.Name), nfc(r.Target), r.ToMany, r.Required, strings.Join(r.Columns, ","), nfc(r.Reverse))
		}
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
