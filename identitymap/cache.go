package identitymap

import (
	"context"
	"fmt"
)

// EntityCache is the identity map of one transaction: it maps each Key to the
// single live Entity for that row. It is never shared between transactions
// and every method is serialised by the owning Tx.
//
// Absence is not cached; a lookup that misses both the map and storage will
// query storage again next time.
type EntityCache struct {
	owner   *Tx
	entries map[Key]*Entity
}

func newEntityCache(owner *Tx) *EntityCache {
	return &EntityCache{
		owner:   owner,
		entries: map[Key]*Entity{},
	}
}

// ScopeID identifies the owning transaction.
func (c *EntityCache) ScopeID() string {
	return c.owner.id
}

// Get returns the entity for id, reading it from storage on a miss. An entry
// deleted in this transaction reports absent without touching storage.
func (c *EntityCache) Get(ctx context.Context, coll *Collection, id any) (*Entity, bool, error) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()

	if err := c.owner.usable(); err != nil {
		return nil, false, err
	}
	key, err := coll.NewKey(id)
	if err != nil {
		return nil, false, err
	}
	return c.getLocked(ctx, coll, key)
}

// Lookup returns the cached entity for key without falling back to storage.
func (c *EntityCache) Lookup(key Key) (*Entity, bool) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.state == stateDeleted {
		return nil, false
	}
	return e, true
}

// Put registers a freshly constructed entity. A live entity already held
// under the same key is an ErrIdentityViolation.
func (c *EntityCache) Put(e *Entity) error {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()

	if err := c.owner.usable(); err != nil {
		return err
	}
	return c.putLocked(e)
}

// Invalidate drops the entry for key.
func (c *EntityCache) Invalidate(key Key) {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()

	delete(c.entries, key)
}

// Len returns the number of cached entries, deleted ones included.
func (c *EntityCache) Len() int {
	c.owner.mu.Lock()
	defer c.owner.mu.Unlock()

	return len(c.entries)
}

func (c *EntityCache) getLocked(ctx context.Context, coll *Collection, key Key) (*Entity, bool, error) {
	return c.loadLocked(ctx, coll, key, "read_row", func(ctx context.Context) (Row, bool, error) {
		return c.owner.db.storage.ReadRow(ctx, coll, key.Value)
	})
}

// loadLocked serves key from the map or runs read and registers the result.
func (c *EntityCache) loadLocked(ctx context.Context, coll *Collection, key Key, op string, read func(context.Context) (Row, bool, error)) (*Entity, bool, error) {
	db := c.owner.db
	if e, ok := c.entries[key]; ok {
		if e.state == stateDeleted {
			db.metrics.Lookups.WithLabelValues("absent").Inc()
			return nil, false, nil
		}
		db.metrics.Lookups.WithLabelValues("hit").Inc()
		return e, true, nil
	}

	db.metrics.Lookups.WithLabelValues("miss").Inc()
	db.metrics.StorageReads.WithLabelValues(op).Inc()
	row, found, err := read(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", key, err)
	}
	if !found {
		db.logger.Debug("entity not found", "tx", c.owner.id, "key", key.String())
		return nil, false, nil
	}

	e, err := c.registerRowLocked(coll, row)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// registerRowLocked turns a storage row into a persistent entity, returning
// the canonical instance when the row's key is already cached.
func (c *EntityCache) registerRowLocked(coll *Collection, row Row) (*Entity, error) {
	key, err := coll.keyFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("row of %s: %w", coll.Name(), err)
	}
	if e, ok := c.entries[key]; ok {
		return e, nil
	}
	for col, v := range row {
		if ref, ok := coll.Reference(col); ok && v != nil && ref.targetsIdentity() {
			if fk, err := ref.Target.NormalizeKey(v); err == nil {
				row[col] = fk
			}
		}
	}
	if kc, err := coll.KeyColumns(key.Value); err == nil {
		for col, v := range kc {
			row[col] = v
		}
	}

	e := newEntity(c.owner, coll, key, row)
	e.snapshot = row.Clone()
	e.state = statePersistent
	c.entries[key] = e
	c.owner.db.logger.Debug("entity loaded", "tx", c.owner.id, "key", key.String())
	return e, nil
}

func (c *EntityCache) putLocked(e *Entity) error {
	if e.tx != c.owner {
		return fmt.Errorf("%w: %s", ErrForeignEntity, e.key)
	}
	if existing, ok := c.entries[e.key]; ok && existing != e && existing.state != stateDeleted {
		return fmt.Errorf("%w: %s", ErrIdentityViolation, e.key)
	}
	c.entries[e.key] = e
	return nil
}

// invalidateLocked drops key only while it still maps to e, so a delete
// flushed on commit cannot evict an entity re-created under the same key.
func (c *EntityCache) invalidateLocked(key Key, e *Entity) bool {
	if cur, ok := c.entries[key]; ok && cur == e {
		delete(c.entries, key)
		return true
	}
	return false
}

// removedElsewhereLocked marks the loaded entities of keys deleted by another
// transaction's commit. Entities created here are left alone; their insert
// decides at flush time.
func (c *EntityCache) removedElsewhereLocked(keys []Key) int {
	if c.owner.status.Terminal() {
		return 0
	}
	n := 0
	for _, key := range keys {
		e, ok := c.entries[key]
		if !ok || e.created || e.state == stateDeleted {
			continue
		}
		e.state = stateDeleted
		n++
	}
	return n
}

func (c *EntityCache) clearLocked() {
	c.entries = map[Key]*Entity{}
}
