package cache

import (
	"errors"
	"fmt"

	"github.com/loamdb/loam/internal/schema"
)

// ErrSessionClosed is returned when a record is touched after its owning
// session ended. Wrapped errors carry the record key for context.
var ErrSessionClosed = errors.New("session closed")

// ConstraintError reports a delete that a relationship configuration
// forbids: the other side is a required to-one reference and cascading was
// explicitly disabled. The database is left unmodified.
type ConstraintError struct {
	Key schema.Key // the record whose delete was rejected
	Ref schema.Key // the record still referencing it
	Rel string     // the forbidding relationship, owner-side name
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("delete %s forbidden: %s still required by %s via %q",
		e.Key, e.Key, e.Ref, e.Rel)
}

// IsConstraintError reports whether err is a cascade constraint violation.
// Uses errors.As to handle wrapped errors.
func IsConstraintError(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// StateError reports an operation applied to a record in an incompatible
// state, e.g. writing an attribute of a deleted record.
type StateError struct {
	Key   schema.Key
	State State
	Op    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: cannot %s record in state %s", e.Key, e.Op, e.State)
}
