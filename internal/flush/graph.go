package flush

import (
	"github.com/loamdb/loam/internal/cache"
	"github.com/loamdb/loam/internal/schema"
)

// depGraph is the ephemeral foreign-key dependency graph built fresh for one
// flush. Nodes are dirty records keyed by canonical key string; an edge
// A -> B means persisting A requires B's row to exist already.
type depGraph struct {
	nodes map[string]*cache.Record
	order []string // insertion order, for deterministic traversal
	out   map[string][]string
	rels  map[string]map[string]*schema.Relationship // edge -> relationship carrying it
}

func newDepGraph(recs []*cache.Record) *depGraph {
	g := &depGraph{
		nodes: make(map[string]*cache.Record, len(recs)),
		out:   make(map[string][]string, len(recs)),
		rels:  make(map[string]map[string]*schema.Relationship),
	}
	for _, rec := range recs {
		id := rec.Key().String()
		g.nodes[id] = rec
		g.order = append(g.order, id)
		g.out[id] = nil
	}
	return g
}

// link adds edges for every to-one reference of rec whose target is also a
// node in the graph. Insert ordering follows the in-memory values about to be
// written; delete ordering (stored=true) follows the last-read storage
// values, since referential constraints bind on what the rows currently hold.
// Self-references are skipped: a record never blocks on its own key.
func (g *depGraph) link(s *schema.Schema, rec *cache.Record, stored bool) {
	from := rec.Key().String()
	et := rec.EntityType()
	for i := range et.Rels {
		rel := &et.Rels[i]
		if rel.ToMany {
			continue
		}
		target, _ := s.Type(rel.Target)
		vals := make([]any, len(rel.Columns))
		known := true
		for j, col := range rel.Columns {
			v, ok := refValue(rec, col, stored)
			if !ok || v == nil {
				known = false
				break
			}
			vals[j] = v
		}
		if !known {
			continue
		}
		to := schema.KeyOf(target, vals...).String()
		if to == from {
			continue
		}
		if _, ok := g.nodes[to]; !ok {
			continue
		}
		g.out[from] = append(g.out[from], to)
		if g.rels[from] == nil {
			g.rels[from] = make(map[string]*schema.Relationship)
		}
		g.rels[from][to] = rel
	}
}

func refValue(rec *cache.Record, col string, stored bool) (any, bool) {
	if !stored || rec.EntityType().IsPK(col) {
		return rec.Value(col)
	}
	snap, ok := rec.Snapshot(col)
	if !ok {
		return nil, false
	}
	return snap.DBValue, true
}

func (g *depGraph) dropEdge(from, to string) {
	edges := g.out[from]
	for i, e := range edges {
		if e == to {
			g.out[from] = append(edges[:i], edges[i+1:]...)
			break
		}
	}
	delete(g.rels[from], to)
}

// sccs finds strongly connected components with Tarjan's algorithm. SCCs are
// emitted sinks-first: every component appears after the components it
// depends on, so concatenating them yields a dependencies-first order.
func (g *depGraph) sccs() [][]string {
	var (
		index   int
		stack   []string
		indices = make(map[string]int, len(g.nodes))
		lowlink = make(map[string]int, len(g.nodes))
		onStack = make(map[string]bool, len(g.nodes))
		out     [][]string
	)

	var connect func(v string)
	connect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.out[v] {
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			out = append(out, scc)
		}
	}

	for _, v := range g.order {
		if _, seen := indices[v]; !seen {
			connect(v)
		}
	}
	return out
}

// cyclePath walks the edges inside one SCC to produce a readable cycle,
// first node repeated at the end.
func (g *depGraph) cyclePath(scc []string) []schema.Key {
	member := make(map[string]bool, len(scc))
	for _, n := range scc {
		member[n] = true
	}
	start := scc[0]
	current := start
	path := []schema.Key{g.nodes[start].Key()}
	visited := make(map[string]bool)
	for {
		visited[current] = true
		next := ""
		for _, w := range g.out[current] {
			if member[w] && (!visited[w] || w == start) {
				next = w
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, g.nodes[next].Key())
		if next == start {
			break
		}
		current = next
	}
	return path
}
