package cache

import (
	"context"
	"fmt"

	"github.com/loamdb/loam/internal/schema"
)

// State is a record's position in the cache lifecycle.
type State int

const (
	// StateSeed means only the primary key is known; no other attribute has
	// been loaded. Creating a seed never queries storage.
	StateSeed State = iota
	// StateLoaded means the requested attributes were read from storage.
	StateLoaded
	// StateModified means one or more attributes changed since load.
	StateModified
	// StateCreated means the record is new and not yet persisted.
	StateCreated
	// StateDeleted means the record is marked for removal at next flush.
	StateDeleted
	// StateDiscarded means the record left the cache at session end or
	// rollback; any further access fails.
	StateDiscarded
)

// String returns the state name for diagnostics.
func (s State) String() string {
	switch s {
	case StateSeed:
		return "SEED"
	case StateLoaded:
		return "LOADED"
	case StateModified:
		return "MODIFIED"
	case StateCreated:
		return "CREATED"
	case StateDeleted:
		return "DELETED"
	case StateDiscarded:
		return "DISCARDED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot pairs an attribute's last-read storage value with its current
// in-memory value. The concurrency controller pins DBValue in optimistic
// WHERE clauses and the scheduler writes Value where the two differ.
type Snapshot struct {
	DBValue any
	Value   any
}

// Record is the cached representation of one entity instance. Records are
// owned exclusively by their cache and reference related records by key,
// never by pointer.
type Record struct {
	cache *Cache
	typ   *schema.EntityType
	key   schema.Key
	state State

	attrs  map[string]*Snapshot
	reads  map[string]bool
	writes map[string]bool

	// members tracks in-memory membership of to-many relationships, keyed by
	// relationship name. Only records observed by this session appear here;
	// it mirrors assignments synchronously so both sides of a link always
	// agree.
	members map[string]map[string]schema.Key
}

// EntityType returns the record's schema type.
func (r *Record) EntityType() *schema.EntityType { return r.typ }

// Key returns the record's identity.
func (r *Record) Key() schema.Key { return r.key }

// State returns the record's current lifecycle state.
func (r *Record) State() State { return r.state }

// Get returns the current value of an attribute, materializing the record
// from storage first when necessary. Reads are tracked for optimistic
// concurrency pinning.
func (r *Record) Get(ctx context.Context, attr string) (any, error) {
	if err := r.guard("read"); err != nil {
		return nil, err
	}
	if idx, isPK := r.pkIndex(attr); isPK {
		return r.key.Values[idx], nil
	}
	a, ok := r.typ.Attr(attr)
	if !ok {
		return nil, fmt.Errorf("%s has no attribute %q", r.typ.Name, attr)
	}
	if _, loaded := r.attrs[attr]; !loaded {
		if err := r.cache.Materialize(ctx, r, neededAttrs(r, a)); err != nil {
			return nil, err
		}
	}
	snap, ok := r.attrs[attr]
	if !ok {
		return nil, fmt.Errorf("%s: attribute %q not loaded", r.key, attr)
	}
	r.reads[attr] = true
	return snap.Value, nil
}

// neededAttrs selects what a materializing read should fetch: the default
// non-deferred set, plus the specific attribute when it is deferred.
func neededAttrs(r *Record, a *schema.Attribute) []string {
	attrs := r.typ.NonDeferred()
	if a.Deferred {
		attrs = append(attrs, a.Name)
	}
	return attrs
}

// Set writes an attribute and flips the record to MODIFIED. Primary key
// attributes are immutable. Writing a deleted or discarded record fails.
func (r *Record) Set(ctx context.Context, attr string, value any) error {
	if err := r.guard("write"); err != nil {
		return err
	}
	if _, isPK := r.pkIndex(attr); isPK {
		return fmt.Errorf("%s: primary key attribute %q is immutable", r.key, attr)
	}
	if _, ok := r.typ.Attr(attr); !ok {
		return fmt.Errorf("%s has no attribute %q", r.typ.Name, attr)
	}
	if r.state == StateDeleted {
		return &StateError{Key: r.key, State: r.state, Op: "write"}
	}
	// A write needs the old storage value for the optimistic check, so a
	// seed is materialized before its first modification.
	if r.state == StateSeed {
		if err := r.cache.Materialize(ctx, r, r.typ.NonDeferred()); err != nil {
			return err
		}
	}
	snap, ok := r.attrs[attr]
	if !ok {
		snap = &Snapshot{}
		r.attrs[attr] = snap
	}
	snap.Value = value
	r.writes[attr] = true
	if r.state != StateCreated {
		r.state = StateModified
	}
	r.cache.markDirty(r)
	return nil
}

// Value returns the current in-memory value without materializing or
// tracking a read. Used by the scheduler when assembling statements.
func (r *Record) Value(attr string) (any, bool) {
	if idx, isPK := r.pkIndex(attr); isPK {
		return r.key.Values[idx], true
	}
	snap, ok := r.attrs[attr]
	if !ok {
		return nil, false
	}
	return snap.Value, true
}

// Snapshot returns the attribute snapshot, if loaded.
func (r *Record) Snapshot(attr string) (Snapshot, bool) {
	snap, ok := r.attrs[attr]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Touched returns the attributes read or written during this transaction,
// in declaration order. These are exactly the attributes the optimistic
// check pins.
func (r *Record) Touched() []string {
	var out []string
	for _, a := range r.typ.Attrs {
		if r.reads[a.Name] || r.writes[a.Name] {
			out = append(out, a.Name)
		}
	}
	return out
}

// Written returns the written attributes in declaration order; only these
// appear in UPDATE SET lists.
func (r *Record) Written() []string {
	var out []string
	for _, a := range r.typ.Attrs {
		if r.writes[a.Name] {
			out = append(out, a.Name)
		}
	}
	return out
}

// Loaded returns the loaded attribute names in declaration order.
func (r *Record) Loaded() []string {
	var out []string
	for _, a := range r.typ.Attrs {
		if _, ok := r.attrs[a.Name]; ok {
			out = append(out, a.Name)
		}
	}
	return out
}

// Members returns the known in-memory members of a to-many relationship.
// This reflects only records this session has observed; the full collection
// lives in storage.
func (r *Record) Members(rel string) []schema.Key {
	set := r.members[rel]
	if len(set) == 0 {
		return nil
	}
	out := make([]schema.Key, 0, len(set))
	for _, k := range set {
		out = append(out, k)
	}
	return out
}

func (r *Record) pkIndex(attr string) (int, bool) {
	for i, pk := range r.typ.PK {
		if pk == attr {
			return i, true
		}
	}
	return 0, false
}

func (r *Record) guard(op string) error {
	if r.state == StateDiscarded || r.cache.closed {
		return fmt.Errorf("%s %s: %w", op, r.key, ErrSessionClosed)
	}
	return nil
}

func (r *Record) addMember(rel string, key schema.Key) {
	if r.members[rel] == nil {
		r.members[rel] = make(map[string]schema.Key)
	}
	r.members[rel][key.String()] = key
}

func (r *Record) removeMember(rel string, key schema.Key) {
	delete(r.members[rel], key.String())
}
