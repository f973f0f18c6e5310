package identitymap

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a Tx.
type Status int

const (
	StatusActive Status = iota + 1
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
	// StatusFailed follows a commit whose flush was rejected. Only Rollback
	// is accepted from here.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusRollingBack:
		return "rolling_back"
	case StatusRolledBack:
		return "rolled_back"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

type pendingWrite struct {
	kind   WriteKind
	entity *Entity
	values Row
}

// Tx is a unit of work. It owns an EntityCache and a FIFO queue of pending
// writes that only become visible to other transactions on Commit.
//
// A Tx may be driven from any goroutine, including one other than the
// goroutine that began it, but calls are serialised: one caller at a time is
// inside the transaction. Initializers passed to New run outside that
// critical section so they can create and reference further entities.
type Tx struct {
	mu sync.Mutex

	db      *Database
	id      string
	status  Status
	cause   error
	started time.Time

	cache   *EntityCache
	writes  []pendingWrite
	deleted []*Entity
}

// ID returns the transaction's scope identifier.
func (tx *Tx) ID() string { return tx.id }

// Cache returns the transaction's identity map.
func (tx *Tx) Cache() *EntityCache { return tx.cache }

func (tx *Tx) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// Err returns the flush failure that moved the transaction to StatusFailed.
func (tx *Tx) Err() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.cause
}

// Pending returns the number of queued writes.
func (tx *Tx) Pending() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.writes)
}

func (tx *Tx) usable() error {
	switch tx.status {
	case StatusActive:
		return nil
	case StatusFailed:
		return fmt.Errorf("%w: %w", ErrTxFailed, tx.cause)
	default:
		return fmt.Errorf("%w: %s is %s", ErrTxClosed, tx.id, tx.status)
	}
}

// New creates an entity under a freshly generated key, runs init on it and
// queues its insert. The entity is in the cache before init runs, so init may
// create further entities and point references at them; those are queued
// first and flush before this one.
func (tx *Tx) New(ctx context.Context, c *Collection, init func(*Entity) error) (*Entity, error) {
	tx.mu.Lock()
	if err := tx.usable(); err != nil {
		tx.mu.Unlock()
		return nil, err
	}
	id, err := tx.db.keys.NextKey(ctx, c)
	tx.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("new %s: %w", c.Name(), err)
	}
	return tx.NewWithID(ctx, c, id, init)
}

// NewWithID is New with a caller supplied key.
func (tx *Tx) NewWithID(ctx context.Context, c *Collection, id any, init func(*Entity) error) (e *Entity, err error) {
	key, err := c.NewKey(id)
	if err != nil {
		return nil, err
	}
	values, err := c.KeyColumns(key.Value)
	if err != nil {
		return nil, err
	}

	tx.mu.Lock()
	if err := tx.usable(); err != nil {
		tx.mu.Unlock()
		return nil, err
	}
	e = newEntity(tx, c, key, values)
	e.created = true
	e.state = stateInitializing
	if err := tx.cache.putLocked(e); err != nil {
		tx.mu.Unlock()
		return nil, err
	}
	tx.mu.Unlock()

	initialized := false
	defer func() {
		if !initialized {
			tx.mu.Lock()
			tx.cache.invalidateLocked(key, e)
			tx.mu.Unlock()
		}
	}()

	if init != nil {
		if err := init(e); err != nil {
			return nil, fmt.Errorf("initialize %s: %w", key, err)
		}
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.usable(); err != nil {
		return nil, err
	}
	e.state = statePending
	tx.writes = append(tx.writes, pendingWrite{kind: WriteInsert, entity: e, values: e.values.Clone()})
	initialized = true
	tx.db.logger.Debug("entity created", "tx", tx.id, "key", key.String())
	return e, nil
}

// FindByID returns the entity for id, or false when no row exists or the
// entity was deleted in this transaction.
func (tx *Tx) FindByID(ctx context.Context, c *Collection, id any) (*Entity, bool, error) {
	return tx.cache.Get(ctx, c, id)
}

// Delete marks e deleted and queues its delete. From now on lookups of its
// key in this transaction report absent.
func (tx *Tx) Delete(e *Entity) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.usable(); err != nil {
		return err
	}
	if e.tx != tx {
		return fmt.Errorf("%w: %s", ErrForeignEntity, e.key)
	}
	switch e.state {
	case stateDeleted:
		return fmt.Errorf("%w: %s", ErrEntityDeleted, e.key)
	case stateInitializing:
		return fmt.Errorf("delete %s: entity is still being initialized", e.key)
	}

	e.state = stateDeleted
	tx.deleted = append(tx.deleted, e)
	tx.writes = append(tx.writes, pendingWrite{kind: WriteDelete, entity: e})
	return nil
}

// queueUpdateLocked records an assignment. Consecutive assignments to the
// same entity share one update so FIFO order across entities is kept.
func (tx *Tx) queueUpdateLocked(e *Entity, column string, value any) {
	if n := len(tx.writes); n > 0 {
		last := &tx.writes[n-1]
		if last.kind == WriteUpdate && last.entity == e {
			last.values[column] = value
			return
		}
	}
	tx.writes = append(tx.writes, pendingWrite{kind: WriteUpdate, entity: e, values: Row{column: value}})
}

// Commit flushes the queued writes in the order they were issued. When the
// flush succeeds every flushed delete is evicted from the cache before any
// other call can enter the transaction, and is marked deleted in every other
// open transaction of the database before Commit returns. When it fails the transaction moves
// to StatusFailed, the returned *FlushError matches ErrFlushFailed and only
// Rollback remains possible.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()

	if err := tx.usable(); err != nil {
		tx.mu.Unlock()
		return err
	}
	tx.status = StatusCommitting

	batch := WriteBatch{Scope: tx.id, Writes: make([]Write, 0, len(tx.writes))}
	for _, w := range tx.writes {
		batch.Writes = append(batch.Writes, Write{
			Kind:       w.kind,
			Collection: w.entity.collection,
			Key:        w.entity.key.Value,
			Values:     w.values.Clone(),
		})
	}

	if len(batch.Writes) > 0 {
		if err := tx.db.storage.Flush(ctx, batch); err != nil {
			ferr := &FlushError{Scope: tx.id, Writes: len(batch.Writes), Err: err}
			tx.status = StatusFailed
			tx.cause = ferr
			tx.mu.Unlock()
			tx.db.metrics.Flushes.WithLabelValues("failure").Inc()
			tx.db.logger.Warn("flush failed", "tx", tx.id, "writes", len(batch.Writes), "error", err)
			return ferr
		}
		tx.db.metrics.Flushes.WithLabelValues("success").Inc()
	}

	invalidated := 0
	var removed []Key
	for _, w := range tx.writes {
		if w.kind != WriteDelete {
			continue
		}
		removed = append(removed, w.entity.key)
		if tx.cache.invalidateLocked(w.entity.key, w.entity) {
			invalidated++
		}
	}

	for _, e := range tx.cache.entries {
		if e.state == stateDeleted {
			continue
		}
		e.snapshot = e.values.Clone()
		e.state = statePersistent
		e.created = false
	}

	var changes []Change
	if len(tx.db.hooks) > 0 {
		changes = changesOf(batch)
	}

	tx.status = StatusCommitted
	tx.writes = nil
	tx.deleted = nil
	tx.cache.clearLocked()
	tx.mu.Unlock()

	tx.db.active.Delete(tx.id)
	invalidated += tx.db.propagateDeletes(tx, removed)
	tx.db.metrics.Invalidations.Add(float64(invalidated))

	tx.db.metrics.Transactions.WithLabelValues("committed").Inc()
	tx.db.logger.Info("transaction committed",
		"tx", tx.id,
		"writes", len(batch.Writes),
		"invalidated", invalidated,
		"duration", tx.db.now().Sub(tx.started),
	)

	for _, hook := range tx.db.hooks {
		hook(ctx, changes)
	}
	return nil
}

// Rollback discards every queued write without touching storage, evicts the
// entities created in the transaction and reverts the others to their last
// committed values. Rolling back a committed or rolled back transaction is
// an error.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != StatusActive && tx.status != StatusFailed {
		return fmt.Errorf("%w: cannot roll back %s, it is %s", ErrTxClosed, tx.id, tx.status)
	}
	tx.status = StatusRollingBack

	discarded := len(tx.writes)
	tx.writes = nil

	evicted := 0
	for key, e := range tx.cache.entries {
		if e.created {
			delete(tx.cache.entries, key)
			evicted++
			continue
		}
		e.revert()
	}
	for _, e := range tx.deleted {
		if !e.created {
			e.revert()
		}
	}
	tx.deleted = nil
	tx.cache.clearLocked()

	tx.status = StatusRolledBack
	tx.db.active.Delete(tx.id)
	tx.db.metrics.Transactions.WithLabelValues("rolled_back").Inc()
	tx.db.logger.Info("transaction rolled back", "tx", tx.id, "discarded", discarded, "evicted", evicted)
	return nil
}

func changesOf(batch WriteBatch) []Change {
	changes := make([]Change, 0, len(batch.Writes))
	for _, w := range batch.Writes {
		kind := ChangeUpdated
		switch w.Kind {
		case WriteInsert:
			kind = ChangeCreated
		case WriteDelete:
			kind = ChangeRemoved
		}
		changes = append(changes, Change{
			Kind:   kind,
			Key:    Key{Collection: w.Collection.Name(), Value: w.Key},
			Values: w.Values,
		})
	}
	return changes
}
