package expr

import (
	"fmt"
	"strings"
)

// Signature renders the structural signature of an expression tree.
//
// The signature covers node shapes, operators, attribute paths, and ordering
// direction, but NOT literal values - every Lit contributes the same
// placeholder marker. Two trees that differ only in literal values therefore
// share a signature, which is exactly what lets the compiled-statement cache
// reuse SQL across calls with different parameters.
func Signature(e Expr) string {
	var b strings.Builder
	appendSignature(&b, e)
	return b.String()
}

// OrderSignature renders the structural signature of an ordering list.
func OrderSignature(keys []OrderKey) string {
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		appendSignature(&b, k.Expr)
		if k.Desc {
			b.WriteString(":desc")
		} else {
			b.WriteString(":asc")
		}
	}
	return b.String()
}

func appendSignature(b *strings.Builder, e Expr) {
	switch node := e.(type) {
	case nil:
		b.WriteString("nil")
	case Attr:
		b.WriteString("attr(")
		b.WriteString(node.Root.Name)
		for _, step := range node.Path {
			b.WriteByte('.')
			b.WriteString(step)
		}
		b.WriteByte('.')
		b.WriteString(node.Name)
		b.WriteByte(')')
	case Lit:
		// Placeholder marker only; the value is deliberately excluded.
		b.WriteByte('?')
	case Binary:
		b.WriteByte('(')
		appendSignature(b, node.Left)
		b.WriteString(node.Op.SQL())
		appendSignature(b, node.Right)
		b.WriteByte(')')
	case Logical:
		b.WriteByte('(')
		for i, op := range node.Operands {
			if i > 0 {
				b.WriteByte(' ')
				b.WriteString(node.Op.SQL())
				b.WriteByte(' ')
			}
			appendSignature(b, op)
		}
		b.WriteByte(')')
	case Not:
		b.WriteString("not(")
		appendSignature(b, node.Operand)
		b.WriteByte(')')
	case Aggregate:
		fmt.Fprintf(b, "%s(%s.%s", node.Op.SQL(), node.Root.Name, node.Rel)
		if node.Attr != "" {
			b.WriteByte('.')
			b.WriteString(node.Attr)
		}
		b.WriteByte(')')
	default:
		fmt.Fprintf(b, "unknown(%T)", e)
	}
}
