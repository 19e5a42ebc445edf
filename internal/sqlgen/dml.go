package sqlgen

import (
	"strings"

	"github.com/loamdb/loam/internal/schema"
)

// WhereCol pins one column in an UPDATE or DELETE WHERE clause. Null marks
// columns whose last-read value was NULL, which compare with IS NULL rather
// than a bound placeholder.
type WhereCol struct {
	Name string
	Null bool
}

// PointSelect renders a single-row read of the given columns by primary key.
// The caller binds the key values in primary-key order.
func PointSelect(et *schema.EntityType, columns []string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(et.Table)
	b.WriteString(" WHERE ")
	b.WriteString(pkConds(et))
	return b.String()
}

// SelectWhere renders a read of columns filtered by equality on whereCols,
// one placeholder per filter column. Used for reverse foreign-key scans.
func SelectWhere(et *schema.EntityType, columns, whereCols []string) string {
	conds := make([]string, len(whereCols))
	for i, col := range whereCols {
		conds[i] = col + " = ?"
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(et.Table)
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(conds, " AND "))
	return b.String()
}

// Insert renders an INSERT for the given columns, one placeholder each.
func Insert(et *schema.EntityType, columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(et.Table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(placeholders, ", "))
	b.WriteString(")")
	return b.String()
}

// Update renders an UPDATE setting the given columns, keyed by primary key
// and pinned on the given WHERE columns. The caller binds: SET values, key
// values, then the pinned old values (skipping Null columns).
func Update(et *schema.EntityType, setColumns []string, pins []WhereCol) string {
	sets := make([]string, len(setColumns))
	for i, col := range setColumns {
		sets[i] = col + " = ?"
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(et.Table)
	b.WriteString(" SET ")
	b.WriteString(strings.Join(sets, ", "))
	b.WriteString(" WHERE ")
	b.WriteString(pkConds(et))
	writePins(&b, pins)
	return b.String()
}

// Delete renders a DELETE keyed by primary key and pinned on the given WHERE
// columns. The caller binds the key values, then the pinned old values.
func Delete(et *schema.EntityType, pins []WhereCol) string {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(et.Table)
	b.WriteString(" WHERE ")
	b.WriteString(pkConds(et))
	writePins(&b, pins)
	return b.String()
}

// ClearColumns renders an UPDATE setting the given columns to NULL, keyed by
// primary key. Used to sever references before a constrained delete.
func ClearColumns(et *schema.EntityType, columns []string) string {
	sets := make([]string, len(columns))
	for i, col := range columns {
		sets[i] = col + " = NULL"
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(et.Table)
	b.WriteString(" SET ")
	b.WriteString(strings.Join(sets, ", "))
	b.WriteString(" WHERE ")
	b.WriteString(pkConds(et))
	return b.String()
}

func pkConds(et *schema.EntityType) string {
	conds := make([]string, len(et.PK))
	for i, pk := range et.PK {
		conds[i] = pk + " = ?"
	}
	return strings.Join(conds, " AND ")
}

func writePins(b *strings.Builder, pins []WhereCol) {
	for _, pin := range pins {
		b.WriteString(" AND ")
		b.WriteString(pin.Name)
		if pin.Null {
			b.WriteString(" IS NULL")
		} else {
			b.WriteString(" = ?")
		}
	}
}
