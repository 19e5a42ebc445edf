package schema

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Key identifies one entity instance: the entity type name plus the primary
// key tuple. Records reference each other by Key, never by pointer, so the
// identity cache stays the single source of truth for object identity.
//
// The canonical string form is stable across runs and is what the identity
// map and the result cache index on.
type Key struct {
	Entity string
	Values []any
	canon  string
}

// KeyOf builds a Key for the given entity type.
//
// The number of values must match the type's primary key arity; KeyOf panics
// otherwise, since a mismatched key is a programming error, not a runtime
// condition.
func KeyOf(et *EntityType, values ...any) Key {
	if len(values) != len(et.PK) {
		panic(fmt.Sprintf("schema: key for %s needs %d values, got %d", et.Name, len(et.PK), len(values)))
	}
	return Key{Entity: et.Name, Values: values, canon: canonKey(et.Name, values)}
}

// String returns the canonical form, e.g. `Product(42)` or `Line("a",7)`.
func (k Key) String() string {
	if k.canon == "" {
		k.canon = canonKey(k.Entity, k.Values)
	}
	return k.canon
}

// Equal reports whether two keys identify the same entity instance.
func (k Key) Equal(other Key) bool {
	return k.String() == other.String()
}

// Zero reports whether the key is the zero value (no entity).
func (k Key) Zero() bool {
	return k.Entity == ""
}

func canonKey(entity string, values []any) string {
	var b strings.Builder
	b.WriteString(nfc(entity))
	b.WriteByte('(')
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(canonValue(v))
	}
	b.WriteByte(')')
	return b.String()
}

// canonValue renders one key component. Strings are NFC-normalized and
// quoted so `1` (int) and `"1"` (text) never collide.
func canonValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(nfc(val))
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// nfc normalizes an identifier or text key component to Unicode NFC.
func nfc(s string) string {
	return norm.NFC.String(s)
}
