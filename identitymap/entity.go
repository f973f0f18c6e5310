package identitymap

import (
	"context"
	"fmt"
)

type entityState int

const (
	// stateInitializing covers the window in which New runs the initializer;
	// assignments go straight into the row and no update is queued.
	stateInitializing entityState = iota
	statePending
	statePersistent
	stateDeleted
)

// refState is the memoization slot of a reference column: either the raw
// foreign key still waiting for first access, or the resolved target.
type refState interface {
	isRefState()
}

type unresolvedRef struct {
	fk any
}

type resolvedRef struct {
	target *Entity
}

func (unresolvedRef) isRefState() {}
func (resolvedRef) isRefState()   {}

// Entity is the single in-memory representative of a row inside one
// transaction. All access goes through its owning Tx and is serialised by it.
type Entity struct {
	tx         *Tx
	collection *Collection
	key        Key

	values   Row
	snapshot Row
	refs     map[string]refState

	state   entityState
	created bool
}

func newEntity(tx *Tx, c *Collection, key Key, values Row) *Entity {
	return &Entity{
		tx:         tx,
		collection: c,
		key:        key,
		values:     values,
		refs:       map[string]refState{},
	}
}

// Key returns the entity's identity.
func (e *Entity) Key() Key { return e.key }

// ID returns the normalized primary key value.
func (e *Entity) ID() any { return e.key.Value }

func (e *Entity) Collection() *Collection { return e.collection }

// Tx returns the transaction the entity is bound to.
func (e *Entity) Tx() *Tx { return e.tx }

// Deleted reports whether the entity was deleted in its transaction.
func (e *Entity) Deleted() bool {
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()
	return e.state == stateDeleted
}

// Get returns the current value of column, including uncommitted assignments.
func (e *Entity) Get(column string) any {
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()
	return e.values[column]
}

// Values returns a copy of the current row.
func (e *Entity) Values() Row {
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()
	return e.values.Clone()
}

// Snapshot returns a copy of the last committed row, or nil for an entity
// created in a transaction that has not committed.
func (e *Entity) Snapshot() Row {
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()
	return e.snapshot.Clone()
}

// Value returns column converted to T. The boolean is false when the column
// is unset or holds a different type.
func Value[T any](e *Entity, column string) (T, bool) {
	v, ok := e.Get(column).(T)
	return v, ok
}

// Set assigns column. On an entity that is already queued for insert or was
// loaded from storage, the assignment is queued as an update for the next commit.
func (e *Entity) Set(column string, value any) error {
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()

	if err := e.writable(column); err != nil {
		return err
	}
	if ref, ok := e.collection.Reference(column); ok {
		if value == nil {
			if !ref.Optional {
				return fmt.Errorf("%w: %s.%s is required", ErrInvalidKey, e.collection.Name(), column)
			}
			e.refs[column] = unresolvedRef{}
		} else {
			fk, err := ref.Target.NormalizeKey(value)
			if err != nil && ref.targetsIdentity() {
				return fmt.Errorf("reference %s: %w", column, err)
			}
			if err == nil {
				value = fk
			}
			e.refs[column] = unresolvedRef{fk: value}
		}
	}
	e.assign(column, value)
	return nil
}

// SetRef points the reference column at target and memoizes it, so a later
// Ref does not touch the cache or storage. target must live in the same
// transaction and belong to the reference's target collection.
func (e *Entity) SetRef(column string, target *Entity) error {
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()

	if err := e.writable(column); err != nil {
		return err
	}
	ref, ok := e.collection.Reference(column)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownReference, e.collection.Name(), column)
	}
	if target == nil {
		if !ref.Optional {
			return fmt.Errorf("%w: %s.%s is required", ErrInvalidKey, e.collection.Name(), column)
		}
		e.refs[column] = unresolvedRef{}
		e.assign(column, nil)
		return nil
	}
	if target.tx != e.tx {
		return fmt.Errorf("%w: %s", ErrForeignEntity, target.key)
	}
	if target.collection != ref.Target {
		return fmt.Errorf("%w: %s.%s expects %s, got %s", ErrInvalidKey, e.collection.Name(), column, ref.Target.Name(), target.collection.Name())
	}
	if target.state == stateDeleted {
		return fmt.Errorf("%w: %s", ErrEntityDeleted, target.key)
	}

	fk := target.key.Value
	if !ref.targetsIdentity() {
		fk = target.values[ref.TargetColumn]
	}
	e.refs[column] = resolvedRef{target: target}
	e.assign(column, fk)
	return nil
}

// Ref resolves the reference stored in column. The first access reads the
// target through the transaction's cache, falling back to storage; the
// result is memoized for the rest of the transaction. A foreign key without
// a matching row yields ErrDanglingReference; an unset optional reference
// yields (nil, nil).
func (e *Entity) Ref(ctx context.Context, column string) (*Entity, error) {
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()

	ref, ok := e.collection.Reference(column)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownReference, e.collection.Name(), column)
	}
	if e.state == stateDeleted {
		return nil, fmt.Errorf("%w: %s", ErrEntityDeleted, e.key)
	}

	slot, ok := e.refs[column]
	if !ok {
		slot = unresolvedRef{fk: e.values[column]}
	}

	switch s := slot.(type) {
	case resolvedRef:
		if s.target.state == stateDeleted {
			return nil, fmt.Errorf("%w: %s.%s -> %s was deleted", ErrDanglingReference, e.collection.Name(), column, s.target.key)
		}
		return s.target, nil
	case unresolvedRef:
		if s.fk == nil {
			if ref.Optional {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: %s.%s is unset", ErrDanglingReference, e.key, column)
		}
		if err := e.tx.usable(); err != nil {
			return nil, err
		}
		target, err := e.tx.resolveLocked(ctx, ref, s.fk)
		if err != nil {
			return nil, fmt.Errorf("resolve %s.%s: %w", e.key, column, err)
		}
		e.refs[column] = resolvedRef{target: target}
		return target, nil
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrUnknownReference, e.collection.Name(), column)
}

func (e *Entity) writable(column string) error {
	if err := e.tx.usable(); err != nil {
		return err
	}
	if e.state == stateDeleted {
		return fmt.Errorf("%w: %s", ErrEntityDeleted, e.key)
	}
	if !e.collection.HasColumn(column) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, e.collection.Name(), column)
	}
	if e.collection.isIdentity(column) {
		return fmt.Errorf("%w: %s.%s", ErrIdentityImmutable, e.collection.Name(), column)
	}
	return nil
}

// assign stores the value and queues the update unless the entity is still
// inside its initializer.
func (e *Entity) assign(column string, value any) {
	e.values[column] = value
	if e.state != stateInitializing {
		e.tx.queueUpdateLocked(e, column, value)
	}
}

// revert restores the committed snapshot and drops memoized references.
func (e *Entity) revert() {
	e.values = e.snapshot.Clone()
	e.refs = map[string]refState{}
	e.state = statePersistent
}

func (e *Entity) String() string {
	return e.key.String()
}
