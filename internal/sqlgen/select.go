package sqlgen

import (
	"fmt"
	"strings"

	"github.com/loamdb/loam/internal/expr"
	"github.com/loamdb/loam/internal/schema"
)

// selectBuild holds the state of one SELECT compilation: discovered joins,
// alias assignments, the aggregate plan, and the bound parameters in
// placeholder order.
type selectBuild struct {
	c    *Compiler
	spec SelectSpec

	joins    []string
	aliasFor map[string]string // canonical relationship path -> alias
	aggs     *aggPlan
	params   []any
}

func (c *Compiler) compileSelect(spec SelectSpec) (string, []any, error) {
	b := &selectBuild{
		c:        c,
		spec:     spec,
		aliasFor: make(map[string]string),
	}

	aggs, err := b.planAggregates()
	if err != nil {
		return "", nil, err
	}
	b.aggs = aggs

	// WHERE and ORDER BY are rendered first so join discovery happens in
	// placeholder order; the clauses are assembled afterwards.
	var whereSQL string
	if spec.Filter != nil {
		whereSQL, err = b.compileExpr(spec.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
	}

	orderSQL, err := b.compileOrders()
	if err != nil {
		return "", nil, fmt.Errorf("compile ordering: %w", err)
	}

	var sql strings.Builder
	sql.WriteString("SELECT ")
	sql.WriteString(b.selectColumns())
	fmt.Fprintf(&sql, " FROM %s AS t0", spec.Root.Table)
	for _, j := range b.joins {
		sql.WriteByte(' ')
		sql.WriteString(j)
	}
	if whereSQL != "" {
		sql.WriteString(" WHERE ")
		sql.WriteString(whereSQL)
	}
	sql.WriteString(" ORDER BY ")
	sql.WriteString(orderSQL)
	if spec.Limit >= 0 {
		sql.WriteString(" LIMIT ?")
		b.params = append(b.params, spec.Limit)
	} else if spec.Offset >= 0 {
		// SQLite only accepts OFFSET after a LIMIT; -1 means unbounded.
		sql.WriteString(" LIMIT -1")
	}
	if spec.Offset >= 0 {
		sql.WriteString(" OFFSET ?")
		b.params = append(b.params, spec.Offset)
	}

	return sql.String(), b.params, nil
}

// selectColumns renders the projected column list: primary key columns
// first, then the requested attributes (all non-deferred attributes when the
// request does not name any).
func (b *selectBuild) selectColumns() string {
	root := b.spec.Root
	cols := b.spec.Columns
	if cols == nil {
		cols = root.NonDeferred()
	}
	parts := make([]string, 0, len(root.PK)+len(cols))
	for _, pk := range root.PK {
		parts = append(parts, "t0."+pk)
	}
	for _, col := range cols {
		if root.IsPK(col) {
			continue
		}
		parts = append(parts, "t0."+col)
	}
	return strings.Join(parts, ", ")
}

// compileOrders renders ORDER BY keys left to right, preserving tie-break
// order, and appends the root primary key ascending as the final
// deterministic tie-breaker.
func (b *selectBuild) compileOrders() (string, error) {
	var parts []string
	for _, k := range b.spec.Orders {
		sql, err := b.compileExpr(k.Expr)
		if err != nil {
			return "", err
		}
		dir := " ASC"
		if k.Desc {
			dir = " DESC"
		}
		parts = append(parts, sql+dir)
	}
	for _, pk := range b.spec.Root.PK {
		parts = append(parts, "t0."+pk+" ASC")
	}
	return strings.Join(parts, ", "), nil
}

// compileExpr renders one expression node. Literals become placeholders and
// push their value onto the parameter list in render order.
func (b *selectBuild) compileExpr(e expr.Expr) (string, error) {
	switch node := e.(type) {
	case expr.Attr:
		alias, et, err := b.resolvePath(node.Root, node.Path)
		if err != nil {
			return "", err
		}
		if _, ok := et.Attr(node.Name); !ok {
			return "", fmtErr("%s has no attribute %q", et.Name, node.Name)
		}
		return alias + "." + node.Name, nil

	case expr.Lit:
		b.params = append(b.params, node.Value)
		return "?", nil

	case expr.Binary:
		left, err := b.compileExpr(node.Left)
		if err != nil {
			return "", err
		}
		right, err := b.compileExpr(node.Right)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s %s %s)", left, node.Op.SQL(), right), nil

	case expr.Logical:
		if len(node.Operands) == 0 {
			// Vacuous truth for AND, vacuous falsity for OR.
			if node.Op == expr.OpAnd {
				return "1 = 1", nil
			}
			return "1 = 0", nil
		}
		parts := make([]string, 0, len(node.Operands))
		for _, op := range node.Operands {
			sql, err := b.compileExpr(op)
			if err != nil {
				return "", err
			}
			parts = append(parts, sql)
		}
		return "(" + strings.Join(parts, " "+node.Op.SQL()+" ") + ")", nil

	case expr.Not:
		inner, err := b.compileExpr(node.Operand)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil

	case expr.Aggregate:
		return b.compileAggregate(node)

	default:
		return "", fmtErr("unsupported expression type: %T", e)
	}
}

// resolvePath walks a to-one relationship path from the root, adding one
// INNER JOIN per previously unseen step. Paths are deduplicated by their
// canonical form, so two references through the same relationship share one
// alias and one join.
func (b *selectBuild) resolvePath(root *schema.EntityType, path []string) (string, *schema.EntityType, error) {
	if root.Name != b.spec.Root.Name {
		return "", nil, fmtErr("attribute rooted at %s used in query over %s", root.Name, b.spec.Root.Name)
	}
	alias := "t0"
	et := b.spec.Root
	canonical := ""
	for _, step := range path {
		rel, ok := et.Rel(step)
		if !ok {
			return "", nil, fmtErr("%s has no relationship %q", et.Name, step)
		}
		if rel.ToMany {
			return "", nil, fmtErr("%s.%s is to-many; reach it through an aggregate", et.Name, step)
		}
		target, ok := b.c.schema.Type(rel.Target)
		if !ok {
			return "", nil, fmtErr("%s.%s targets unknown type %q", et.Name, step, rel.Target)
		}
		canonical += "." + step
		if existing, ok := b.aliasFor[canonical]; ok {
			alias = existing
			et = target
			continue
		}
		next := fmt.Sprintf("t%d", len(b.aliasFor)+1)
		conds := make([]string, len(rel.Columns))
		for i, col := range rel.Columns {
			conds[i] = fmt.Sprintf("%s.%s = %s.%s", alias, col, next, target.PK[i])
		}
		b.joins = append(b.joins, fmt.Sprintf("JOIN %s AS %s ON %s", target.Table, next, strings.Join(conds, " AND ")))
		b.aliasFor[canonical] = next
		alias = next
		et = target
	}
	return alias, et, nil
}
