package session

import (
	"errors"
	"fmt"

	"github.com/loamdb/loam/internal/schema"
)

// NotFoundError reports a key lookup that matched no row.
type NotFoundError struct {
	Key schema.Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: not found", e.Key)
}

// IsNotFound reports whether err is a missing-record failure, unwrapping as
// needed.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// MultipleResultsError reports a single-result lookup whose predicate matched
// more than one row.
type MultipleResultsError struct {
	Entity string
}

func (e *MultipleResultsError) Error() string {
	return fmt.Sprintf("get %s: predicate matched more than one record", e.Entity)
}

// IsMultipleResults reports whether err is an ambiguous single-result lookup.
func IsMultipleResults(err error) bool {
	var me *MultipleResultsError
	return errors.As(err, &me)
}
