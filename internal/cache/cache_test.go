package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/internal/schema"
)

// fakeLoader serves point reads and reference scans from an in-memory row
// set, counting loads so tests can assert on read behavior.
type fakeLoader struct {
	cache *Cache
	keys  []schema.Key
	rows  map[string]map[string]any // key canon -> attribute values
	loads int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{rows: make(map[string]map[string]any)}
}

func (f *fakeLoader) addRow(et *schema.EntityType, key schema.Key, attrs map[string]any) {
	f.keys = append(f.keys, key)
	f.rows[key.String()] = attrs
}

func (f *fakeLoader) LoadAttributes(ctx context.Context, rec *Record, attrs []string) (map[string]any, error) {
	f.loads++
	row := f.rows[rec.Key().String()]
	out := make(map[string]any, len(attrs))
	for _, a := range attrs {
		out[a] = row[a]
	}
	return out, nil
}

func (f *fakeLoader) FindReferencing(ctx context.Context, ref schema.RelRef, key schema.Key) ([]*Record, error) {
	var out []*Record
	for _, k := range f.keys {
		if k.Entity != ref.Owner.Name {
			continue
		}
		row := f.rows[k.String()]
		match := true
		for i, col := range ref.Rel.Columns {
			if row[col] != key.Values[i] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		rec, err := f.cache.GetOrCreateSeed(ref.Owner, k)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func boolPtr(b bool) *bool { return &b }

// testWorld builds a Vendor/Product schema with a configurable product.vendor
// relationship and one vendor with two products.
func testWorld(t *testing.T, required bool, cascade *bool) (*Cache, *fakeLoader, *schema.Schema) {
	t.Helper()
	vendor := &schema.EntityType{
		Name: "Vendor",
		Attrs: []schema.Attribute{
			{Name: "id", Kind: schema.KindInt},
			{Name: "name", Kind: schema.KindText},
		},
		PK:   []string{"id"},
		Rels: []schema.Relationship{{Name: "products", Target: "Product", ToMany: true, Reverse: "vendor"}},
	}
	product := &schema.EntityType{
		Name: "Product",
		Attrs: []schema.Attribute{
			{Name: "id", Kind: schema.KindInt},
			{Name: "name", Kind: schema.KindText},
			{Name: "price", Kind: schema.KindInt},
			{Name: "vendor_id", Kind: schema.KindInt},
		},
		PK: []string{"id"},
		Rels: []schema.Relationship{{
			Name: "vendor", Target: "Vendor", Required: required,
			Columns: []string{"vendor_id"}, Reverse: "products", Cascade: cascade,
		}},
	}
	s, err := schema.New(vendor, product)
	require.NoError(t, err)

	loader := newFakeLoader()
	c := New(s, loader)
	loader.cache = c

	vt, _ := s.Type("Vendor")
	pt, _ := s.Type("Product")
	loader.addRow(vt, schema.KeyOf(vt, 1), map[string]any{"name": "acme"})
	loader.addRow(pt, schema.KeyOf(pt, 10), map[string]any{"name": "bolt", "price": 5, "vendor_id": 1})
	loader.addRow(pt, schema.KeyOf(pt, 11), map[string]any{"name": "nut", "price": 3, "vendor_id": 1})
	return c, loader, s
}

func mustType(t *testing.T, s *schema.Schema, name string) *schema.EntityType {
	t.Helper()
	et, ok := s.Type(name)
	require.True(t, ok)
	return et
}

func TestGetOrCreateSeed_IdentityMapUniqueness(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")

	r1, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)
	r2, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)

	assert.Same(t, r1, r2, "one canonical record per key")
	assert.Equal(t, StateSeed, r1.State())
}

func TestEvict_SeedLeavesMapFreeForCreate(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")
	key := schema.KeyOf(pt, 42)

	seed, err := c.GetOrCreateSeed(pt, key)
	require.NoError(t, err)
	c.Evict(seed)
	assert.Equal(t, StateDiscarded, seed.State())
	_, cached := c.Lookup(key)
	assert.False(t, cached)

	rec, err := c.Create(pt, key, map[string]any{"id": 42, "name": "washer", "price": 1, "vendor_id": 1})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, rec.State())
}

func TestEvict_IgnoresNonSeedRecords(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")

	rec, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)
	require.NoError(t, c.Materialize(context.Background(), rec, pt.NonDeferred()))

	c.Evict(rec)
	assert.Equal(t, StateLoaded, rec.State())
	cached, ok := c.Lookup(schema.KeyOf(pt, 10))
	require.True(t, ok)
	assert.Same(t, rec, cached)
}

func TestGet_SeedMaterializesExactlyOnce(t *testing.T) {
	c, loader, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")
	ctx := context.Background()

	rec, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)

	name, err := rec.Get(ctx, "name")
	require.NoError(t, err)
	assert.Equal(t, "bolt", name)
	assert.Equal(t, StateLoaded, rec.State())

	price, err := rec.Get(ctx, "price")
	require.NoError(t, err)
	assert.Equal(t, 5, price)

	assert.Equal(t, 1, loader.loads, "one point read regardless of attribute count")
}

func TestGet_PrimaryKeyNeverLoads(t *testing.T) {
	c, loader, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")

	rec, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)

	id, err := rec.Get(context.Background(), "id")
	require.NoError(t, err)
	assert.Equal(t, 10, id)
	assert.Equal(t, 0, loader.loads)
	assert.Equal(t, StateSeed, rec.State())
}

func TestSet_TracksSnapshotsAndState(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")
	ctx := context.Background()

	rec, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)
	require.NoError(t, rec.Set(ctx, "price", 9))

	assert.Equal(t, StateModified, rec.State())
	snap, ok := rec.Snapshot("price")
	require.True(t, ok)
	assert.Equal(t, 5, snap.DBValue, "db_value keeps the last-read storage value")
	assert.Equal(t, 9, snap.Value)
	assert.Equal(t, []string{"price"}, rec.Written())
	assert.Len(t, c.Dirty(), 1)
}

func TestSet_PrimaryKeyImmutable(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")

	rec, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)
	assert.Error(t, rec.Set(context.Background(), "id", 99))
}

func TestCreate_DuplicateKeyFails(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")

	_, err := c.Create(pt, schema.KeyOf(pt, 50), map[string]any{"name": "new", "price": 1, "vendor_id": 1})
	require.NoError(t, err)
	_, err = c.Create(pt, schema.KeyOf(pt, 50), map[string]any{"name": "again"})
	require.Error(t, err)
}

func TestDelete_CreatedRecordIsSimplyEvicted(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")
	ctx := context.Background()

	rec, err := c.Create(pt, schema.KeyOf(pt, 50), map[string]any{"name": "new", "price": 1, "vendor_id": 1})
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, rec))

	assert.Equal(t, StateDiscarded, rec.State())
	assert.Empty(t, c.Dirty(), "create-then-delete produces no statements")
}

func TestDelete_OptionalReferenceIsCleared(t *testing.T) {
	c, _, s := testWorld(t, false, nil)
	vt := mustType(t, s, "Vendor")
	ctx := context.Background()

	vendorRec, err := c.GetOrCreateSeed(vt, schema.KeyOf(vt, 1))
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, vendorRec))

	assert.Equal(t, StateDeleted, vendorRec.State())

	pt := mustType(t, s, "Product")
	prod, ok := c.Lookup(schema.KeyOf(pt, 10))
	require.True(t, ok)
	assert.Equal(t, StateModified, prod.State())
	v, ok := prod.Value("vendor_id")
	require.True(t, ok)
	assert.Nil(t, v, "optional reference is set to absent, not cascaded")
}

func TestDelete_RequiredReferenceCascades(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	vt := mustType(t, s, "Vendor")
	pt := mustType(t, s, "Product")
	ctx := context.Background()

	vendorRec, err := c.GetOrCreateSeed(vt, schema.KeyOf(vt, 1))
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, vendorRec))

	for _, id := range []int{10, 11} {
		prod, ok := c.Lookup(schema.KeyOf(pt, id))
		require.True(t, ok)
		assert.Equal(t, StateDeleted, prod.State(), "required reference cascades the delete")
	}
}

func TestDelete_RequiredWithCascadeForbiddenFails(t *testing.T) {
	c, _, s := testWorld(t, true, boolPtr(false))
	vt := mustType(t, s, "Vendor")
	pt := mustType(t, s, "Product")
	ctx := context.Background()

	vendorRec, err := c.GetOrCreateSeed(vt, schema.KeyOf(vt, 1))
	require.NoError(t, err)

	err = c.Delete(ctx, vendorRec)
	require.Error(t, err)
	assert.True(t, IsConstraintError(err))

	// Nothing was mutated.
	assert.NotEqual(t, StateDeleted, vendorRec.State())
	assert.Empty(t, c.Dirty())
	if prod, ok := c.Lookup(schema.KeyOf(pt, 10)); ok {
		assert.NotEqual(t, StateModified, prod.State())
	}
}

func TestDelete_OptionalWithCascadeOverrideDeletes(t *testing.T) {
	c, _, s := testWorld(t, false, boolPtr(true))
	vt := mustType(t, s, "Vendor")
	pt := mustType(t, s, "Product")
	ctx := context.Background()

	vendorRec, err := c.GetOrCreateSeed(vt, schema.KeyOf(vt, 1))
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, vendorRec))

	prod, ok := c.Lookup(schema.KeyOf(pt, 10))
	require.True(t, ok)
	assert.Equal(t, StateDeleted, prod.State(), "override forces the cascade on")
}

func TestSetReference_MaintainsBothSides(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	vt := mustType(t, s, "Vendor")
	pt := mustType(t, s, "Product")
	ctx := context.Background()

	vendor2, err := c.Create(vt, schema.KeyOf(vt, 2), map[string]any{"name": "globex"})
	require.NoError(t, err)
	prod, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)

	require.NoError(t, c.SetReference(ctx, prod, "vendor", vendor2))

	v, _ := prod.Value("vendor_id")
	assert.Equal(t, 2, v)
	members := vendor2.Members("products")
	require.Len(t, members, 1)
	assert.True(t, members[0].Equal(prod.Key()), "reverse collection tracks the assignment")
}

func TestSetReference_ClearingRequiredFails(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")

	prod, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)
	assert.Error(t, c.SetReference(context.Background(), prod, "vendor", nil))
}

func TestClose_AccessFailsWithSessionClosed(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")

	rec, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)
	c.Close()

	_, err = rec.Get(context.Background(), "name")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestMarkFlushed_RefreshesSnapshots(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")
	ctx := context.Background()

	rec, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)
	require.NoError(t, rec.Set(ctx, "price", 9))

	c.MarkFlushed(rec)

	assert.Equal(t, StateLoaded, rec.State())
	snap, _ := rec.Snapshot("price")
	assert.Equal(t, 9, snap.DBValue)
	assert.Empty(t, rec.Written())
	assert.Empty(t, c.Dirty())
}

func TestOnDirty_FiresWithTypeName(t *testing.T) {
	c, _, s := testWorld(t, true, nil)
	pt := mustType(t, s, "Product")

	var dirtied []string
	c.OnDirty(func(name string) { dirtied = append(dirtied, name) })

	rec, err := c.GetOrCreateSeed(pt, schema.KeyOf(pt, 10))
	require.NoError(t, err)
	require.NoError(t, rec.Set(context.Background(), "price", 7))

	assert.Contains(t, dirtied, "Product")
}
