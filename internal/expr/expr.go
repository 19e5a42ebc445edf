// Package expr defines the expression tree consumed by the SQL compiler.
//
// Predicates are built with an explicit construction API rather than any form
// of source introspection: callers combine attribute references, literals,
// and operators into a tree, and the compiler walks that tree. The node
// types form a sealed interface so backend compilers can type-switch
// exhaustively.
package expr

import "github.com/loamdb/loam/internal/schema"

// Expr is a node in a predicate, arithmetic, or ordering expression.
//
// This is a sealed interface - only types in this package implement it.
//
// Node types:
//   - Attr: entity attribute reference, optionally through a relationship path
//   - Lit: literal value (always compiled to a bound parameter)
//   - Binary: comparison or arithmetic between two expressions
//   - Logical: AND/OR over two or more operands
//   - Not: negation
//   - Aggregate: aggregate function over a to-many relationship
type Expr interface {
	exprNode() // Marker method - seals interface to this package
}

// BinaryOp enumerates comparison and arithmetic operators.
type BinaryOp int

const (
	OpEq BinaryOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAdd
	OpSub
	OpMul
	OpDiv
)

// SQL returns the operator's SQL spelling.
func (op BinaryOp) SQL() string {
	switch op {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	default:
		return "?op?"
	}
}

// LogicalOp enumerates boolean connectives.
type LogicalOp int

const (
	OpAnd LogicalOp = iota
	OpOr
)

// SQL returns the connective's SQL spelling.
func (op LogicalOp) SQL() string {
	if op == OpOr {
		return "OR"
	}
	return "AND"
}

// AggOp enumerates aggregate functions over to-many relationships.
type AggOp int

const (
	AggCount AggOp = iota
	AggSum
	AggAvg
	AggMin
	AggMax
)

// SQL returns the aggregate function name.
func (op AggOp) SQL() string {
	switch op {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggAvg:
		return "AVG"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	default:
		return "?agg?"
	}
}

// Attr references an attribute of the query's root entity type, or of an
// entity reached from it through one or more to-one relationships.
//
// Path lists the relationship names to traverse; an empty Path references
// the root type directly. The compiler derives the joins needed to reach the
// terminal attribute and deduplicates them by canonical alias.
type Attr struct {
	Root *schema.EntityType
	Path []string
	Name string
}

func (Attr) exprNode() {}

// Lit is a literal value. Literals are never rendered into SQL text; the
// compiler always emits a placeholder and appends the value to the bound
// parameter list.
type Lit struct {
	Value any
}

func (Lit) exprNode() {}

// Binary applies a comparison or arithmetic operator to two operands.
type Binary struct {
	Op    BinaryOp
	Left  Expr
	Right Expr
}

func (Binary) exprNode() {}

// Logical combines two or more operands with AND or OR.
// An empty operand list is vacuously true for AND and false for OR.
type Logical struct {
	Op       LogicalOp
	Operands []Expr
}

func (Logical) exprNode() {}

// Not negates a boolean operand.
type Not struct {
	Operand Expr
}

func (Not) exprNode() {}

// Aggregate applies an aggregate function over a to-many relationship of the
// root type. Attr names the aggregated attribute on the related type; it is
// empty for COUNT.
type Aggregate struct {
	Op   AggOp
	Root *schema.EntityType
	Rel  string
	Attr string
}

func (Aggregate) exprNode() {}

// OrderKey is one ORDER BY component. Keys are applied left to right, so
// later keys break ties among earlier ones.
type OrderKey struct {
	Expr Expr
	Desc bool
}
