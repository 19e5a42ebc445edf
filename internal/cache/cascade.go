package cache

import (
	"context"
	"fmt"

	"github.com/loamdb/loam/internal/schema"
)

// Delete validates the cascade policy for every relationship touching the
// record, applies the resulting side effects (clearing optional references,
// cascade-deleting required ones), and flips the record to DELETED.
//
// Policy, evaluated per inbound to-one reference, with the referencing side
// deciding the action:
//
//	optional reference        -> set it to absent
//	required reference        -> cascade-delete the referencing record
//	required, cascade=false   -> fail with ConstraintError
//	any, cascade=true         -> cascade-delete regardless of optionality
//
// A record that was created in this session and never flushed is simply
// evicted; no statements are scheduled for it.
func (c *Cache) Delete(ctx context.Context, rec *Record) error {
	if err := rec.guard("delete"); err != nil {
		return err
	}
	if rec.state == StateDeleted {
		return nil
	}

	// Validate before mutating: a forbidden cascade anywhere must leave the
	// cache and the database untouched.
	plan, err := c.planCascade(ctx, rec)
	if err != nil {
		return err
	}

	// Drop this record from the collections of its to-one targets.
	for i := range rec.typ.Rels {
		rel := &rec.typ.Rels[i]
		if rel.ToMany || rel.Reverse == "" {
			continue
		}
		if target, err := c.Reference(ctx, rec, rel.Name); err == nil && target != nil {
			target.removeMember(rel.Reverse, rec.key)
		}
	}

	if rec.state == StateCreated {
		delete(c.dirty, rec.key.String())
		delete(c.records, rec.key.String())
		rec.state = StateDiscarded
	} else {
		rec.state = StateDeleted
		c.markDirty(rec)
	}

	for _, action := range plan {
		if action.clear != nil {
			rel := action.rel
			for _, col := range rel.Columns {
				if err := action.clear.Set(ctx, col, nil); err != nil {
					return fmt.Errorf("clear %s.%s: %w", action.clear.key, rel.Name, err)
				}
			}
			if rel.Reverse != "" {
				rec.removeMember(rel.Reverse, action.clear.key)
			}
			continue
		}
		if action.cascade != nil {
			if err := c.Delete(ctx, action.cascade); err != nil {
				return fmt.Errorf("cascade from %s: %w", rec.key, err)
			}
		}
	}
	return nil
}

type cascadeAction struct {
	rel     *schema.Relationship
	clear   *Record // set the reference to absent
	cascade *Record // delete the referencing record
}

// planCascade resolves every record still referencing rec and decides the
// action per the policy table. It fails with ConstraintError before any
// mutation when a required reference forbids cascading.
func (c *Cache) planCascade(ctx context.Context, rec *Record) ([]cascadeAction, error) {
	var plan []cascadeAction
	for _, ref := range c.schema.ReferencesTo(rec.typ.Name) {
		referencing, err := c.loader.FindReferencing(ctx, ref, rec.key)
		if err != nil {
			return nil, fmt.Errorf("find records referencing %s via %s.%s: %w",
				rec.key, ref.Owner.Name, ref.Rel.Name, err)
		}
		for _, other := range referencing {
			if other == rec || other.state == StateDeleted {
				continue
			}
			action, err := decideCascade(rec, other, ref.Rel)
			if err != nil {
				return nil, err
			}
			plan = append(plan, action)
		}
	}
	return plan, nil
}

func decideCascade(rec, other *Record, rel *schema.Relationship) (cascadeAction, error) {
	if rel.Cascade != nil {
		if *rel.Cascade {
			return cascadeAction{rel: rel, cascade: other}, nil
		}
		if rel.Required {
			return cascadeAction{}, &ConstraintError{Key: rec.key, Ref: other.key, Rel: rel.Name}
		}
		return cascadeAction{rel: rel, clear: other}, nil
	}
	if rel.Required {
		return cascadeAction{rel: rel, cascade: other}, nil
	}
	return cascadeAction{rel: rel, clear: other}, nil
}
