package sqlgen

import (
	"fmt"
	"strings"

	"github.com/loamdb/loam/internal/expr"
	"github.com/loamdb/loam/internal/schema"
)

// aggPlan decides how aggregates over to-many relationships are lowered.
//
// When the statement references exactly one distinct aggregate, a correlated
// subquery is emitted inline. With two or more, each involved relationship
// gets one grouped LEFT JOIN and every aggregate reads a column from it,
// so the related table is scanned once per relationship instead of once per
// aggregate.
type aggPlan struct {
	grouped bool
	// column name per aggregate signature (grouped mode)
	columns map[string]string
	// join alias per relationship name (grouped mode)
	aliases map[string]string
}

// planAggregates scans the filter and ordering for aggregate nodes and, in
// grouped mode, registers the grouped joins up front so their aliases are
// stable regardless of where the aggregates appear.
func (b *selectBuild) planAggregates() (*aggPlan, error) {
	type aggRef struct {
		node expr.Aggregate
		sig  string
	}
	var refs []aggRef
	seen := map[string]bool{}

	var scan func(e expr.Expr)
	scan = func(e expr.Expr) {
		switch node := e.(type) {
		case expr.Binary:
			scan(node.Left)
			scan(node.Right)
		case expr.Logical:
			for _, op := range node.Operands {
				scan(op)
			}
		case expr.Not:
			scan(node.Operand)
		case expr.Aggregate:
			sig := expr.Signature(node)
			if !seen[sig] {
				seen[sig] = true
				refs = append(refs, aggRef{node: node, sig: sig})
			}
		}
	}
	if b.spec.Filter != nil {
		scan(b.spec.Filter)
	}
	for _, k := range b.spec.Orders {
		scan(k.Expr)
	}

	plan := &aggPlan{
		columns: make(map[string]string),
		aliases: make(map[string]string),
	}
	if len(refs) <= 1 {
		return plan, nil
	}

	plan.grouped = true

	// Group aggregates by relationship, preserving first-reference order.
	byRel := map[string][]aggRef{}
	var relOrder []string
	for _, ref := range refs {
		rel := ref.node.Rel
		if _, ok := byRel[rel]; !ok {
			relOrder = append(relOrder, rel)
		}
		byRel[rel] = append(byRel[rel], ref)
	}

	for gi, relName := range relOrder {
		first := byRel[relName][0].node
		related, reverse, err := b.relatedSide(first)
		if err != nil {
			return nil, err
		}
		alias := fmt.Sprintf("g%d", gi)
		plan.aliases[relName] = alias

		cols := make([]string, 0, len(reverse.Columns)+len(byRel[relName]))
		cols = append(cols, reverse.Columns...)
		for ci, ref := range byRel[relName] {
			col := fmt.Sprintf("agg_%d", ci)
			plan.columns[ref.sig] = col
			cols = append(cols, fmt.Sprintf("%s AS %s", aggCall(ref.node), col))
		}

		onConds := make([]string, len(reverse.Columns))
		for i, col := range reverse.Columns {
			onConds[i] = fmt.Sprintf("%s.%s = t0.%s", alias, col, b.spec.Root.PK[i])
		}

		b.joins = append(b.joins, fmt.Sprintf(
			"LEFT JOIN (SELECT %s FROM %s GROUP BY %s) AS %s ON %s",
			strings.Join(cols, ", "),
			related.Table,
			strings.Join(reverse.Columns, ", "),
			alias,
			strings.Join(onConds, " AND "),
		))
	}

	return plan, nil
}

// compileAggregate renders one aggregate reference according to the plan.
func (b *selectBuild) compileAggregate(node expr.Aggregate) (string, error) {
	if node.Root.Name != b.spec.Root.Name {
		return "", fmtErr("aggregate rooted at %s used in query over %s", node.Root.Name, b.spec.Root.Name)
	}

	if b.aggs.grouped {
		sig := expr.Signature(node)
		col, ok := b.aggs.columns[sig]
		if !ok {
			return "", fmtErr("aggregate %s missing from grouped plan", sig)
		}
		ref := b.aggs.aliases[node.Rel] + "." + col
		if node.Op == expr.AggCount {
			// A root row with no related rows joins against NULL; COUNT
			// semantics require zero there.
			return "COALESCE(" + ref + ", 0)", nil
		}
		return ref, nil
	}

	related, reverse, err := b.relatedSide(node)
	if err != nil {
		return "", err
	}
	conds := make([]string, len(reverse.Columns))
	for i, col := range reverse.Columns {
		conds[i] = fmt.Sprintf("a.%s = t0.%s", col, b.spec.Root.PK[i])
	}
	return fmt.Sprintf("(SELECT %s FROM %s AS a WHERE %s)",
		aggCallQualified(node, "a"), related.Table, strings.Join(conds, " AND ")), nil
}

// relatedSide resolves the to-many relationship an aggregate ranges over and
// the reverse to-one relationship carrying the foreign-key columns.
func (b *selectBuild) relatedSide(node expr.Aggregate) (*schema.EntityType, *schema.Relationship, error) {
	rel, ok := node.Root.Rel(node.Rel)
	if !ok {
		return nil, nil, fmtErr("%s has no relationship %q", node.Root.Name, node.Rel)
	}
	if !rel.ToMany {
		return nil, nil, fmtErr("aggregate over to-one relationship %s.%s", node.Root.Name, node.Rel)
	}
	if rel.Reverse == "" {
		return nil, nil, fmtErr("aggregate over %s.%s requires a paired reverse relationship", node.Root.Name, node.Rel)
	}
	related, ok := b.c.schema.Type(rel.Target)
	if !ok {
		return nil, nil, fmtErr("%s.%s targets unknown type %q", node.Root.Name, node.Rel, rel.Target)
	}
	reverse, ok := related.Rel(rel.Reverse)
	if !ok {
		return nil, nil, fmtErr("%s.%s reverse %q not found on %s", node.Root.Name, node.Rel, rel.Reverse, related.Name)
	}
	if node.Op != expr.AggCount {
		if _, ok := related.Attr(node.Attr); !ok {
			return nil, nil, fmtErr("%s has no attribute %q to aggregate", related.Name, node.Attr)
		}
	}
	return related, reverse, nil
}

// aggCall renders the aggregate function over unqualified columns, for use
// inside a grouped subquery.
func aggCall(node expr.Aggregate) string {
	if node.Op == expr.AggCount {
		return "COUNT(*)"
	}
	return fmt.Sprintf("%s(%s)", node.Op.SQL(), node.Attr)
}

// aggCallQualified renders the aggregate function with a table alias, for
// use inside a correlated subquery.
func aggCallQualified(node expr.Aggregate, alias string) string {
	if node.Op == expr.AggCount {
		return "COUNT(*)"
	}
	return fmt.Sprintf("%s(%s.%s)", node.Op.SQL(), alias, node.Attr)
}
