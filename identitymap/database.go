package identitymap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// ChangeKind classifies a committed entity change.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota + 1
	ChangeUpdated
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change describes one write of a committed batch.
type Change struct {
	Kind   ChangeKind
	Key    Key
	Values Row
}

// ChangeHook receives the changes of every successful commit, in flush order.
type ChangeHook func(ctx context.Context, changes []Change)

// Database hands out transactions over a Storage. It keeps track of the
// transactions it has begun until they commit or roll back, so a committed
// delete can be propagated to the ones still open.
type Database struct {
	storage Storage
	active  *xsync.MapOf[string, *Tx]
	logger  *slog.Logger
	metrics *Metrics
	keys    KeyGenerator
	hooks   []ChangeHook
	now     func() time.Time
}

// Option configures a Database.
type Option func(*Database)

// WithLogger sets the structured logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(db *Database) {
		if l != nil {
			db.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(db *Database) {
		if m != nil {
			db.metrics = m
		}
	}
}

// WithKeyGenerator replaces the default key generation for New.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(db *Database) {
		db.keys = g
	}
}

// WithChangeHook registers a hook called after each successful commit.
func WithChangeHook(h ChangeHook) Option {
	return func(db *Database) {
		if h != nil {
			db.hooks = append(db.hooks, h)
		}
	}
}

// New creates a Database over storage.
func New(storage Storage, opts ...Option) (*Database, error) {
	if storage == nil {
		return nil, errors.New("identitymap: storage is required")
	}
	db := &Database{
		storage: storage,
		active:  xsync.NewMapOf[string, *Tx](),
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.metrics == nil {
		db.metrics = NewMetrics(nil)
	}
	if db.keys == nil {
		db.keys = defaultKeys{storage: storage}
	}
	return db, nil
}

// Storage returns the storage collaborator.
func (db *Database) Storage() Storage {
	return db.storage
}

// Begin opens a transaction with an empty entity cache of its own.
func (db *Database) Begin(ctx context.Context) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := &Tx{
		db:      db,
		id:      uuid.NewString(),
		status:  StatusActive,
		started: db.now(),
	}
	tx.cache = newEntityCache(tx)
	db.active.Store(tx.id, tx)
	db.logger.Debug("transaction started", "tx", tx.id)
	return tx, nil
}

// Transaction runs fn inside a new transaction. It commits when fn returns
// nil and rolls back when fn returns an error or panics; a panic is re-raised
// after the rollback.
func (db *Database) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				db.logger.Error("rollback after panic failed", "tx", tx.id, "error", rbErr)
			}
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if tx.Status() == StatusCommitted {
		return nil
	}
	return tx.Commit(ctx)
}

// Active returns the number of transactions begun and not yet committed or
// rolled back.
func (db *Database) Active() int {
	return db.active.Size()
}

// propagateDeletes marks removed rows deleted in every other open
// transaction that still holds them, so their lookups report absent. Each
// transaction is locked on its own; the caller must not hold any tx lock.
func (db *Database) propagateDeletes(from *Tx, removed []Key) int {
	if len(removed) == 0 {
		return 0
	}
	marked := 0
	db.active.Range(func(id string, other *Tx) bool {
		if other == from {
			return true
		}
		other.mu.Lock()
		n := other.cache.removedElsewhereLocked(removed)
		other.mu.Unlock()
		if n > 0 {
			db.logger.Debug("committed delete propagated", "tx", id, "from", from.id, "entities", n)
		}
		marked += n
		return true
	})
	return marked
}

// defaultKeys generates UUIDs for text keys and defers integer keys to the
// storage when it implements KeyGenerator.
type defaultKeys struct {
	storage Storage
}

func (g defaultKeys) NextKey(ctx context.Context, c *Collection) (any, error) {
	switch c.KeyType() {
	case KeyText:
		return uuid.NewString(), nil
	case KeyInt, KeyLong:
		if seq, ok := g.storage.(KeyGenerator); ok {
			return seq.NextKey(ctx, c)
		}
		return nil, fmt.Errorf("%w: storage cannot generate keys for %s", ErrKeyRequired, c.Name())
	}
	return nil, fmt.Errorf("%w: %s has a %s key", ErrKeyRequired, c.Name(), c.KeyType())
}
