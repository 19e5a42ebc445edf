// Package cache implements the session-scoped identity map: one canonical
// in-memory Record per (entity type, primary key), with the record state
// machine that drives loading, dirty tracking, and delete cascades.
package cache

import (
	"context"
	"fmt"

	"github.com/loamdb/loam/internal/schema"
)

// Loader is the cache's window onto storage. The session layer implements
// it; the cache itself never builds SQL.
type Loader interface {
	// LoadAttributes point-reads the given attributes of one record.
	// It returns the session's NotFound error when the row is absent.
	LoadAttributes(ctx context.Context, rec *Record, attrs []string) (map[string]any, error)

	// FindReferencing returns the records of ref.Owner's type whose foreign
	// key (ref.Rel) points at key. Used during cascade evaluation.
	FindReferencing(ctx context.Context, ref schema.RelRef, key schema.Key) ([]*Record, error)
}

// Cache is one session's identity map. It is not safe for concurrent use;
// a session is bound to one logical unit of execution at a time.
type Cache struct {
	schema  *schema.Schema
	loader  Loader
	records map[string]*Record
	dirty   map[string]*Record
	closed  bool

	// onDirty is invoked with the entity type name whenever a record becomes
	// dirty; the query engine hooks it for result-cache invalidation.
	onDirty func(typeName string)
}

// New creates an empty cache over the given schema.
func New(s *schema.Schema, loader Loader) *Cache {
	return &Cache{
		schema:  s,
		loader:  loader,
		records: make(map[string]*Record),
		dirty:   make(map[string]*Record),
	}
}

// OnDirty registers the dirty hook. At most one hook is supported.
func (c *Cache) OnDirty(fn func(typeName string)) {
	c.onDirty = fn
}

// GetOrCreateSeed returns the cached record for key, inserting a SEED record
// without querying storage when none exists. This is what makes relationship
// traversal free of redundant queries: holding a reference costs nothing
// until a non-key attribute is needed.
func (c *Cache) GetOrCreateSeed(et *schema.EntityType, key schema.Key) (*Record, error) {
	if c.closed {
		return nil, fmt.Errorf("seed %s: %w", key, ErrSessionClosed)
	}
	if rec, ok := c.records[key.String()]; ok {
		return rec, nil
	}
	rec := c.newRecord(et, key, StateSeed)
	c.records[key.String()] = rec
	return rec, nil
}

// Create inserts a new CREATED record with the given attribute values.
// The key must not already be cached.
func (c *Cache) Create(et *schema.EntityType, key schema.Key, attrs map[string]any) (*Record, error) {
	if c.closed {
		return nil, fmt.Errorf("create %s: %w", key, ErrSessionClosed)
	}
	if existing, ok := c.records[key.String()]; ok && existing.state != StateDiscarded {
		return nil, fmt.Errorf("create %s: already cached in state %s", key, existing.state)
	}
	rec := c.newRecord(et, key, StateCreated)
	for name, value := range attrs {
		if _, ok := et.Attr(name); !ok {
			return nil, fmt.Errorf("create %s: no attribute %q", key, name)
		}
		if et.IsPK(name) {
			continue // key values live on the key itself
		}
		rec.attrs[name] = &Snapshot{Value: value}
		rec.writes[name] = true
	}
	c.records[key.String()] = rec
	c.dirty[key.String()] = rec
	c.linkLoadedReferences(rec)
	c.notifyDirty(et.Name)
	return rec, nil
}

// Lookup returns the cached record for key, if any.
func (c *Cache) Lookup(key schema.Key) (*Record, bool) {
	rec, ok := c.records[key.String()]
	return rec, ok
}

// Materialize issues a single point read for the requested attributes unless
// the record already left SEED. A seed transitions to LOADED at most once
// per session regardless of how many attributes are accessed afterwards.
func (c *Cache) Materialize(ctx context.Context, rec *Record, attrs []string) error {
	if c.closed {
		return fmt.Errorf("materialize %s: %w", rec.key, ErrSessionClosed)
	}
	if rec.state != StateSeed {
		// Already loaded (or new/deleted); only fetch attributes that are
		// genuinely missing, e.g. deferred ones accessed later.
		attrs = missingOnly(rec, attrs)
		if len(attrs) == 0 {
			return nil
		}
	}
	values, err := c.loader.LoadAttributes(ctx, rec, attrs)
	if err != nil {
		return err
	}
	c.apply(rec, values)
	return nil
}

// Hydrate applies one already-fetched row to a record, as query execution
// does, without issuing a point read. Values written in this session are
// preserved; a seed transitions to LOADED.
func (c *Cache) Hydrate(rec *Record, values map[string]any) {
	if rec.state == StateDeleted || rec.state == StateDiscarded {
		return
	}
	c.apply(rec, values)
}

func (c *Cache) apply(rec *Record, values map[string]any) {
	for name, value := range values {
		if snap, ok := rec.attrs[name]; ok {
			snap.DBValue = value
			if !rec.writes[name] {
				snap.Value = value
			}
			continue
		}
		rec.attrs[name] = &Snapshot{DBValue: value, Value: value}
	}
	if rec.state == StateSeed {
		rec.state = StateLoaded
		c.linkLoadedReferences(rec)
	}
}

func missingOnly(rec *Record, attrs []string) []string {
	var out []string
	for _, a := range attrs {
		if _, ok := rec.attrs[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// Reference resolves a to-one relationship to the related record, seeding it
// when absent from the cache. A nil record (absent reference) is returned
// when any foreign-key column is NULL.
func (c *Cache) Reference(ctx context.Context, rec *Record, relName string) (*Record, error) {
	rel, ok := rec.typ.Rel(relName)
	if !ok || rel.ToMany {
		return nil, fmt.Errorf("%s has no to-one relationship %q", rec.typ.Name, relName)
	}
	target, _ := c.schema.Type(rel.Target)
	vals := make([]any, len(rel.Columns))
	for i, col := range rel.Columns {
		v, err := rec.Get(ctx, col)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		vals[i] = v
	}
	return c.GetOrCreateSeed(target, schema.KeyOf(target, vals...))
}

// SetReference assigns a to-one relationship, writing the foreign-key
// attributes and synchronously maintaining membership on both sides of the
// link. target == nil clears an optional reference; clearing a required one
// fails.
func (c *Cache) SetReference(ctx context.Context, rec *Record, relName string, target *Record) error {
	rel, ok := rec.typ.Rel(relName)
	if !ok || rel.ToMany {
		return fmt.Errorf("%s has no to-one relationship %q", rec.typ.Name, relName)
	}
	if target == nil && rel.Required {
		return fmt.Errorf("%s.%s is required and cannot be cleared", rec.typ.Name, relName)
	}
	if target != nil && target.typ.Name != rel.Target {
		return fmt.Errorf("%s.%s cannot reference a %s", rec.typ.Name, relName, target.typ.Name)
	}

	// Unlink from the previous target's collection, if one is cached.
	if old, err := c.Reference(ctx, rec, relName); err == nil && old != nil && rel.Reverse != "" {
		old.removeMember(rel.Reverse, rec.key)
	}

	for i, col := range rel.Columns {
		var v any
		if target != nil {
			v = target.key.Values[i]
		}
		if err := rec.Set(ctx, col, v); err != nil {
			return err
		}
	}
	if target != nil && rel.Reverse != "" {
		target.addMember(rel.Reverse, rec.key)
	}
	return nil
}

// linkLoadedReferences registers membership for every to-one reference whose
// target happens to be cached, keeping link pairing in sync after loads.
func (c *Cache) linkLoadedReferences(rec *Record) {
	for i := range rec.typ.Rels {
		rel := &rec.typ.Rels[i]
		if rel.ToMany || rel.Reverse == "" {
			continue
		}
		target, _ := c.schema.Type(rel.Target)
		vals := make([]any, len(rel.Columns))
		complete := true
		for j, col := range rel.Columns {
			snap, ok := rec.attrs[col]
			if !ok || snap.Value == nil {
				complete = false
				break
			}
			vals[j] = snap.Value
		}
		if !complete {
			continue
		}
		if other, ok := c.records[schema.KeyOf(target, vals...).String()]; ok {
			other.addMember(rel.Reverse, rec.key)
		}
	}
}

// Evict removes a seed from the identity map, so the key can be created or
// re-read after a failed materialization. Records in any other state carry
// session state and are left alone.
func (c *Cache) Evict(rec *Record) {
	if rec.state != StateSeed {
		return
	}
	delete(c.records, rec.key.String())
	rec.state = StateDiscarded
}

// RecordsOf returns the cached records of one entity type, in no particular
// order. The session layer scans these when resolving reverse references
// that storage cannot know about yet.
func (c *Cache) RecordsOf(typeName string) []*Record {
	var out []*Record
	for _, rec := range c.records {
		if rec.typ.Name == typeName {
			out = append(out, rec)
		}
	}
	return out
}

// Dirty returns the records awaiting persistence, in no particular order;
// the scheduler computes the statement order.
func (c *Cache) Dirty() []*Record {
	out := make([]*Record, 0, len(c.dirty))
	for _, rec := range c.dirty {
		out = append(out, rec)
	}
	return out
}

// MarkFlushed transitions a dirty record after its statements executed:
// created and modified records become LOADED with refreshed snapshots,
// deleted records are discarded and evicted.
func (c *Cache) MarkFlushed(rec *Record) {
	delete(c.dirty, rec.key.String())
	switch rec.state {
	case StateDeleted:
		rec.state = StateDiscarded
		delete(c.records, rec.key.String())
	case StateCreated, StateModified:
		for _, snap := range rec.attrs {
			snap.DBValue = snap.Value
		}
		rec.state = StateLoaded
		rec.writes = make(map[string]bool)
	}
}

// Close discards every record. After Close any record access fails with
// ErrSessionClosed. Closing twice is a no-op.
func (c *Cache) Close() {
	if c.closed {
		return
	}
	for _, rec := range c.records {
		rec.state = StateDiscarded
	}
	c.records = make(map[string]*Record)
	c.dirty = make(map[string]*Record)
	c.closed = true
}

// ClearReads forgets per-transaction read tracking. Called after a
// successful commit when the session is reused for another transaction.
func (c *Cache) ClearReads() {
	for _, rec := range c.records {
		rec.reads = make(map[string]bool)
	}
}

func (c *Cache) newRecord(et *schema.EntityType, key schema.Key, state State) *Record {
	return &Record{
		cache:   c,
		typ:     et,
		key:     key,
		state:   state,
		attrs:   make(map[string]*Snapshot),
		reads:   make(map[string]bool),
		writes:  make(map[string]bool),
		members: make(map[string]map[string]schema.Key),
	}
}

func (c *Cache) markDirty(rec *Record) {
	c.dirty[rec.key.String()] = rec
	c.notifyDirty(rec.typ.Name)
}

func (c *Cache) notifyDirty(typeName string) {
	if c.onDirty != nil {
		c.onDirty(typeName)
	}
}
