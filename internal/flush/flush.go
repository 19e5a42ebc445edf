// Package flush implements the persistence scheduler: it turns one session's
// dirty record set into an ordered statement sequence that respects
// foreign-key dependencies, and executes it inside the session's open
// transaction.
//
// INSERTs run in topological order of the key-dependency graph; a cycle among
// newly created records cannot be linearized and fails with CyclicChainError.
// DELETEs run reverse-topologically, after clearing any optional references
// that would otherwise form a delete cycle. A failure on any statement aborts
// the remainder and surfaces the driver error; the caller rolls back.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/loamdb/loam/internal/cache"
	"github.com/loamdb/loam/internal/driver"
	"github.com/loamdb/loam/internal/occ"
	"github.com/loamdb/loam/internal/schema"
	"github.com/loamdb/loam/internal/sqlgen"
)

// CyclicChainError reports a set of records whose foreign-key dependencies
// cannot be linearized into a valid statement order. The cycle path repeats
// the first key at the end.
type CyclicChainError struct {
	Cycle []schema.Key
}

func (e *CyclicChainError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, k := range e.Cycle {
		parts[i] = k.String()
	}
	return fmt.Sprintf(
		"statement order unsatisfiable, dependency cycle %s: flush part of the graph first or defer one reference to a later update",
		strings.Join(parts, " -> "))
}

// IsCyclicChainError reports whether err is a dependency cycle failure,
// unwrapping as needed.
func IsCyclicChainError(err error) bool {
	var ce *CyclicChainError
	return errors.As(err, &ce)
}

// Scheduler computes and executes flush statement plans. It is stateless
// across flushes; the dependency graph is rebuilt from the dirty set each
// time.
type Scheduler struct {
	schema *schema.Schema
	log    *slog.Logger
}

// New creates a scheduler. A nil logger falls back to slog.Default().
func New(s *schema.Schema, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{schema: s, log: log}
}

// Flush persists the cache's dirty set on conn, inside whatever transaction
// is open there. On success every dirty record is marked flushed; on error
// the remaining statements are abandoned and the cache is left as-is for the
// caller to roll back.
func (s *Scheduler) Flush(ctx context.Context, conn driver.Conn, c *cache.Cache) error {
	dirty := c.Dirty()
	if len(dirty) == 0 {
		return nil
	}
	slices.SortFunc(dirty, func(a, b *cache.Record) int {
		return strings.Compare(a.Key().String(), b.Key().String())
	})

	var creates, updates, deletes []*cache.Record
	for _, rec := range dirty {
		switch rec.State() {
		case cache.StateCreated:
			creates = append(creates, rec)
		case cache.StateModified:
			updates = append(updates, rec)
		case cache.StateDeleted:
			deletes = append(deletes, rec)
		}
	}

	inserts, err := insertOrder(s.schema, creates)
	if err != nil {
		return err
	}
	clears, dels, err := deletePlan(s.schema, deletes)
	if err != nil {
		return err
	}

	for _, rec := range inserts {
		if err := s.insert(ctx, conn, rec); err != nil {
			return err
		}
	}
	for _, rec := range updates {
		s.logStmt(ctx, "update", rec)
		if err := occ.Update(ctx, conn, rec); err != nil {
			return err
		}
	}
	cleared := make(map[string]map[string]bool)
	for _, cl := range clears {
		if err := s.clearReference(ctx, conn, cl, cleared); err != nil {
			return err
		}
	}
	for _, rec := range dels {
		if err := s.delete(ctx, conn, rec, cleared[rec.Key().String()]); err != nil {
			return err
		}
	}

	for _, rec := range dirty {
		c.MarkFlushed(rec)
	}
	return nil
}

// insertOrder topologically orders the created records so that every record
// follows the records its foreign keys point at.
func insertOrder(s *schema.Schema, creates []*cache.Record) ([]*cache.Record, error) {
	g := newDepGraph(creates)
	for _, rec := range creates {
		g.link(s, rec, false)
	}
	var out []*cache.Record
	for _, scc := range g.sccs() {
		if len(scc) > 1 {
			return nil, &CyclicChainError{Cycle: g.cyclePath(scc)}
		}
		out = append(out, g.nodes[scc[0]])
	}
	return out, nil
}

// clearStmt severs one optional reference of a record that is about to be
// deleted, so the delete order becomes acyclic.
type clearStmt struct {
	rec *cache.Record
	rel *schema.Relationship
}

// deletePlan orders the deleted records so that referencing rows go before
// the rows they reference. Cycles are broken by clearing optional references
// first; a cycle held together entirely by required references cannot be
// satisfied and fails.
func deletePlan(s *schema.Schema, deletes []*cache.Record) ([]clearStmt, []*cache.Record, error) {
	g := newDepGraph(deletes)
	for _, rec := range deletes {
		g.link(s, rec, true)
	}

	var clears []clearStmt
	for {
		var cyclic [][]string
		for _, scc := range g.sccs() {
			if len(scc) > 1 {
				cyclic = append(cyclic, scc)
			}
		}
		if len(cyclic) == 0 {
			break
		}
		for _, scc := range cyclic {
			cl, ok := breakCycle(g, scc)
			if !ok {
				return nil, nil, &CyclicChainError{Cycle: g.cyclePath(scc)}
			}
			clears = append(clears, cl)
		}
	}

	sccs := g.sccs()
	out := make([]*cache.Record, 0, len(sccs))
	for i := len(sccs) - 1; i >= 0; i-- {
		out = append(out, g.nodes[sccs[i][0]])
	}
	return clears, out, nil
}

// breakCycle drops the first optional edge inside the component, recording
// the clear statement that makes the drop legal.
func breakCycle(g *depGraph, scc []string) (clearStmt, bool) {
	member := make(map[string]bool, len(scc))
	for _, n := range scc {
		member[n] = true
	}
	for _, from := range scc {
		for to, rel := range g.rels[from] {
			if member[to] && !rel.Required {
				g.dropEdge(from, to)
				return clearStmt{rec: g.nodes[from], rel: rel}, true
			}
		}
	}
	return clearStmt{}, false
}

func (s *Scheduler) insert(ctx context.Context, conn driver.Conn, rec *cache.Record) error {
	et := rec.EntityType()
	written := rec.Written()
	cols := make([]string, 0, len(et.PK)+len(written))
	cols = append(cols, et.PK...)
	cols = append(cols, written...)

	params := make([]any, 0, len(cols))
	params = append(params, rec.Key().Values...)
	for _, attr := range written {
		v, _ := rec.Value(attr)
		params = append(params, v)
	}

	s.logStmt(ctx, "insert", rec)
	if _, err := conn.Execute(ctx, sqlgen.Insert(et, cols), params...); err != nil {
		return fmt.Errorf("insert %s: %w", rec.Key(), err)
	}
	return nil
}

func (s *Scheduler) clearReference(ctx context.Context, conn driver.Conn, cl clearStmt, cleared map[string]map[string]bool) error {
	rec, rel := cl.rec, cl.rel
	s.logStmt(ctx, "clear "+rel.Name, rec)
	stmt := sqlgen.ClearColumns(rec.EntityType(), rel.Columns)
	if _, err := conn.Execute(ctx, stmt, rec.Key().Values...); err != nil {
		return fmt.Errorf("clear %s.%s: %w", rec.Key(), rel.Name, err)
	}
	id := rec.Key().String()
	if cleared[id] == nil {
		cleared[id] = make(map[string]bool)
	}
	for _, col := range rel.Columns {
		cleared[id][col] = true
	}
	return nil
}

// delete removes one record with the optimistic check pinned, except for
// columns this flush itself just cleared, whose stored values no longer match
// the snapshot.
func (s *Scheduler) delete(ctx context.Context, conn driver.Conn, rec *cache.Record, cleared map[string]bool) error {
	s.logStmt(ctx, "delete", rec)
	if len(cleared) == 0 {
		return occ.Delete(ctx, conn, rec)
	}

	pins, vals := occ.Pins(rec)
	kept := pins[:0]
	keptVals := make([]any, 0, len(vals))
	vi := 0
	for _, pin := range pins {
		idx := vi
		if !pin.Null {
			vi++
		}
		if cleared[pin.Name] {
			continue
		}
		kept = append(kept, pin)
		if !pin.Null {
			keptVals = append(keptVals, vals[idx])
		}
	}

	et := rec.EntityType()
	params := make([]any, 0, len(et.PK)+len(keptVals))
	params = append(params, rec.Key().Values...)
	params = append(params, keptVals...)

	affected, err := conn.Execute(ctx, sqlgen.Delete(et, kept), params...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", rec.Key(), err)
	}
	if affected == 0 {
		return &occ.OptimisticCheckError{Key: rec.Key(), Op: "delete"}
	}
	return nil
}

func (s *Scheduler) logStmt(ctx context.Context, op string, rec *cache.Record) {
	s.log.DebugContext(ctx, "flush statement", "op", op, "record", rec.Key().String())
}
