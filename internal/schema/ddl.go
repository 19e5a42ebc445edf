package schema

import (
	"fmt"
	"strings"
)

// DDL renders CREATE TABLE statements for every entity type in declaration
// order. Used by the CLI and by test setup; production schema management is
// out of scope for the engine itself.
func (s *Schema) DDL() []string {
	stmts := make([]string, 0, len(s.order))
	for _, name := range s.order {
		stmts = append(stmts, tableDDL(s, s.types[name]))
	}
	return stmts
}

func tableDDL(s *Schema, et *EntityType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", et.Table)

	for _, a := range et.Attrs {
		fmt.Fprintf(&b, "\t%s %s", a.Name, a.Kind)
		if et.IsPK(a.Name) && len(et.PK) == 1 {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}

	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)", strings.Join(et.PK, ", "))

	for _, r := range et.Rels {
		if r.ToMany {
			continue
		}
		target := s.types[r.Target]
		fmt.Fprintf(&b, ",\n\tFOREIGN KEY (%s) REFERENCES %s (%s)",
			strings.Join(r.Columns, ", "), target.Table, strings.Join(target.PK, ", "))
	}

	b.WriteString("\n)")
	return b.String()
}
