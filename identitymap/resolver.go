package identitymap

import (
	"context"
	"fmt"
	"reflect"
)

// resolveLocked materializes the target of a foreign key value. References to
// the target's identity are served from the cache first and read from storage
// by the identity column on a miss. References to another column always go
// through the rows of this transaction first, then storage, and are mapped
// back onto the canonical cached instance by identity.
func (tx *Tx) resolveLocked(ctx context.Context, ref Reference, fk any) (*Entity, error) {
	target := ref.Target

	if ref.targetsIdentity() {
		key, err := target.NewKey(fk)
		if err != nil {
			return nil, err
		}
		column := target.IdentityColumn()
		e, found, err := tx.cache.loadLocked(ctx, target, key, "read_by_column", func(ctx context.Context) (Row, bool, error) {
			return tx.db.storage.ReadByColumn(ctx, target, column, key.Value)
		})
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrDanglingReference, key)
		}
		return e, nil
	}

	// Several cached rows may share the value; the lowest key wins, matching
	// the order storage scans in.
	column := ref.TargetColumn
	var match *Entity
	for _, e := range tx.cache.entries {
		if e.collection != target || e.state == stateDeleted || !EqualValues(e.values[column], fk) {
			continue
		}
		if match == nil || KeyLess(e.key.Value, match.key.Value) {
			match = e
		}
	}
	if match != nil {
		tx.db.metrics.Lookups.WithLabelValues("hit").Inc()
		return match, nil
	}

	tx.db.metrics.Lookups.WithLabelValues("miss").Inc()
	tx.db.metrics.StorageReads.WithLabelValues("read_by_column").Inc()
	row, found, err := tx.db.storage.ReadByColumn(ctx, target, column, fk)
	if err != nil {
		return nil, fmt.Errorf("load %s.%s=%v: %w", target.Name(), column, fk, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s.%s=%v", ErrDanglingReference, target.Name(), column, fk)
	}
	e, err := tx.cache.registerRowLocked(target, row)
	if err != nil {
		return nil, err
	}
	// The canonical instance may have been deleted or re-pointed in this
	// transaction; its current state wins over the stored row.
	if e.state == stateDeleted || !EqualValues(e.values[column], fk) {
		return nil, fmt.Errorf("%w: %s.%s=%v", ErrDanglingReference, target.Name(), column, fk)
	}
	return e, nil
}

// EqualValues compares column values across the integer widths and the
// string/[]byte forms drivers hand back.
func EqualValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toInt64(a); ok {
		y, ok := toInt64(b)
		return ok && x == y
	}
	if x, ok := a.([]byte); ok {
		a = string(x)
	}
	if y, ok := b.([]byte); ok {
		b = string(y)
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
