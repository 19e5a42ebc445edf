package expr

import "github.com/loamdb/loam/internal/schema"

// Field references an attribute on the root entity type.
func Field(root *schema.EntityType, name string) Attr {
	return Attr{Root: root, Name: name}
}

// Path references an attribute reached through one or more to-one
// relationships. The last element names the attribute; everything before it
// names relationships.
//
//	Path(product, "vendor", "name") // vendor's name, joined automatically
func Path(root *schema.EntityType, steps ...string) Attr {
	if len(steps) == 0 {
		panic("expr: Path needs at least an attribute name")
	}
	return Attr{Root: root, Path: steps[:len(steps)-1], Name: steps[len(steps)-1]}
}

// Value lifts a literal into the tree. The compiler binds it as a parameter.
func Value(v any) Lit {
	return Lit{Value: v}
}

// Eq builds `left = right`.
func Eq(left, right Expr) Expr { return Binary{Op: OpEq, Left: left, Right: right} }

// Ne builds `left <> right`.
func Ne(left, right Expr) Expr { return Binary{Op: OpNe, Left: left, Right: right} }

// Lt builds `left < right`.
func Lt(left, right Expr) Expr { return Binary{Op: OpLt, Left: left, Right: right} }

// Le builds `left <= right`.
func Le(left, right Expr) Expr { return Binary{Op: OpLe, Left: left, Right: right} }

// Gt builds `left > right`.
func Gt(left, right Expr) Expr { return Binary{Op: OpGt, Left: left, Right: right} }

// Ge builds `left >= right`.
func Ge(left, right Expr) Expr { return Binary{Op: OpGe, Left: left, Right: right} }

// Add builds `left + right`.
func Add(left, right Expr) Expr { return Binary{Op: OpAdd, Left: left, Right: right} }

// Sub builds `left - right`.
func Sub(left, right Expr) Expr { return Binary{Op: OpSub, Left: left, Right: right} }

// Mul builds `left * right`.
func Mul(left, right Expr) Expr { return Binary{Op: OpMul, Left: left, Right: right} }

// Div builds `left / right`.
func Div(left, right Expr) Expr { return Binary{Op: OpDiv, Left: left, Right: right} }

// And combines operands with AND. Empty input is vacuously true.
func And(operands ...Expr) Expr { return Logical{Op: OpAnd, Operands: operands} }

// Or combines operands with OR.
func Or(operands ...Expr) Expr { return Logical{Op: OpOr, Operands: operands} }

// Negate wraps an operand in NOT.
func Negate(operand Expr) Expr { return Not{Operand: operand} }

// Count aggregates the size of a to-many relationship.
func Count(root *schema.EntityType, rel string) Expr {
	return Aggregate{Op: AggCount, Root: root, Rel: rel}
}

// Sum aggregates an attribute over a to-many relationship.
func Sum(root *schema.EntityType, rel, attr string) Expr {
	return Aggregate{Op: AggSum, Root: root, Rel: rel, Attr: attr}
}

// Avg aggregates an attribute over a to-many relationship.
func Avg(root *schema.EntityType, rel, attr string) Expr {
	return Aggregate{Op: AggAvg, Root: root, Rel: rel, Attr: attr}
}

// Min aggregates an attribute over a to-many relationship.
func Min(root *schema.EntityType, rel, attr string) Expr {
	return Aggregate{Op: AggMin, Root: root, Rel: rel, Attr: attr}
}

// Max aggregates an attribute over a to-many relationship.
func Max(root *schema.EntityType, rel, attr string) Expr {
	return Aggregate{Op: AggMax, Root: root, Rel: rel, Attr: attr}
}

// Asc orders ascending by the given expression.
func Asc(e Expr) OrderKey { return OrderKey{Expr: e} }

// Desc orders descending by the given expression.
func Desc(e Expr) OrderKey { return OrderKey{Expr: e, Desc: true} }
