// Package occ implements concurrency control for flushed statements.
//
// Optimistic control pins every attribute a transaction read or wrote in the
// WHERE clause of its UPDATE and DELETE statements, comparing against the
// last-read storage values. Zero affected rows means another transaction won
// the race. Pessimistic control is a locked read that either waits for or
// fails fast on a contended lock.
package occ

import (
	"context"
	"errors"
	"fmt"

	"github.com/loamdb/loam/internal/cache"
	"github.com/loamdb/loam/internal/driver"
	"github.com/loamdb/loam/internal/schema"
	"github.com/loamdb/loam/internal/sqlgen"
)

// OptimisticCheckError reports an UPDATE or DELETE whose pinned WHERE clause
// matched no row: a concurrent transaction modified or removed the record
// after this one read it. The surrounding transaction must abort.
type OptimisticCheckError struct {
	Key schema.Key
	Op  string // "update" or "delete"
}

func (e *OptimisticCheckError) Error() string {
	return fmt.Sprintf("%s %s: concurrent modification detected, record changed since read", e.Op, e.Key)
}

// IsOptimisticCheckError reports whether err is a failed optimistic check,
// unwrapping as needed.
func IsOptimisticCheckError(err error) bool {
	var oe *OptimisticCheckError
	return errors.As(err, &oe)
}

// LockUnavailableError reports a non-waiting locked read that found the lock
// already held.
type LockUnavailableError struct {
	Entity string
}

func (e *LockUnavailableError) Error() string {
	return fmt.Sprintf("lock on %s unavailable: held by another transaction", e.Entity)
}

// Pins builds the optimistic WHERE columns for a record: every non-key
// attribute the transaction touched, pinned at its last-read storage value.
// NULL storage values pin with IS NULL and contribute no bind parameter.
func Pins(rec *cache.Record) ([]sqlgen.WhereCol, []any) {
	et := rec.EntityType()
	var pins []sqlgen.WhereCol
	var vals []any
	for _, attr := range rec.Touched() {
		if et.IsPK(attr) {
			continue
		}
		snap, ok := rec.Snapshot(attr)
		if !ok {
			continue
		}
		if snap.DBValue == nil {
			pins = append(pins, sqlgen.WhereCol{Name: attr, Null: true})
			continue
		}
		pins = append(pins, sqlgen.WhereCol{Name: attr})
		vals = append(vals, snap.DBValue)
	}
	return pins, vals
}

// Update writes a modified record's changed attributes with the optimistic
// check pinned. A record with no written attributes is a no-op.
func Update(ctx context.Context, conn driver.Conn, rec *cache.Record) error {
	written := rec.Written()
	if len(written) == 0 {
		return nil
	}
	et := rec.EntityType()
	pins, pinVals := Pins(rec)
	stmt := sqlgen.Update(et, written, pins)

	params := make([]any, 0, len(written)+len(et.PK)+len(pinVals))
	for _, attr := range written {
		v, _ := rec.Value(attr)
		params = append(params, v)
	}
	params = append(params, rec.Key().Values...)
	params = append(params, pinVals...)

	affected, err := conn.Execute(ctx, stmt, params...)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.Key(), err)
	}
	if affected == 0 {
		return &OptimisticCheckError{Key: rec.Key(), Op: "update"}
	}
	return nil
}

// Delete removes a record with the optimistic check pinned.
func Delete(ctx context.Context, conn driver.Conn, rec *cache.Record) error {
	et := rec.EntityType()
	pins, pinVals := Pins(rec)
	stmt := sqlgen.Delete(et, pins)

	params := make([]any, 0, len(et.PK)+len(pinVals))
	params = append(params, rec.Key().Values...)
	params = append(params, pinVals...)

	affected, err := conn.Execute(ctx, stmt, params...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", rec.Key(), err)
	}
	if affected == 0 {
		return &OptimisticCheckError{Key: rec.Key(), Op: "delete"}
	}
	return nil
}

// FetchLocked runs a locked read. With wait=false a contended lock fails
// immediately with LockUnavailableError instead of blocking.
func FetchLocked(ctx context.Context, conn driver.Conn, entity, query string, wait bool, params ...any) (driver.Rows, error) {
	rows, err := conn.FetchLocked(ctx, query, wait, params...)
	if err != nil {
		if errors.Is(err, driver.ErrLockBusy) {
			return nil, &LockUnavailableError{Entity: entity}
		}
		return nil, fmt.Errorf("locked read of %s: %w", entity, err)
	}
	return rows, nil
}
