package identitymap

import (
	"context"
	"maps"
)

// Row is a column-name to value mapping mirroring one stored row.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// WriteKind tells storage what a queued write does.
type WriteKind int

const (
	WriteInsert WriteKind = iota + 1
	WriteUpdate
	WriteDelete
)

func (k WriteKind) String() string {
	switch k {
	case WriteInsert:
		return "insert"
	case WriteUpdate:
		return "update"
	case WriteDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Write is one queued change. Values holds the full row for inserts, only the
// changed columns for updates and nothing for deletes.
type Write struct {
	Kind       WriteKind
	Collection *Collection
	Key        any
	Values     Row
}

// WriteBatch is the ordered set of writes a transaction flushes on commit.
type WriteBatch struct {
	Scope  string
	Writes []Write
}

// Storage is the persistence collaborator behind a Database. Implementations
// apply a WriteBatch atomically and in order; a read never observes a batch
// that has not been fully applied.
type Storage interface {
	// ReadRow loads the row whose identity equals key. The boolean is false
	// when no such row exists.
	ReadRow(ctx context.Context, c *Collection, key any) (Row, bool, error)

	// ReadByColumn loads the first row whose column equals value.
	ReadByColumn(ctx context.Context, c *Collection, column string, value any) (Row, bool, error)

	// Flush applies every write of the batch or none of them.
	Flush(ctx context.Context, batch WriteBatch) error
}

// KeyGenerator hands out fresh primary keys. Storage implementations may
// implement it to back integer keys with their own sequences.
type KeyGenerator interface {
	NextKey(ctx context.Context, c *Collection) (any, error)
}

// KeyGeneratorFunc adapts a function to KeyGenerator.
type KeyGeneratorFunc func(ctx context.Context, c *Collection) (any, error)

func (f KeyGeneratorFunc) NextKey(ctx context.Context, c *Collection) (any, error) {
	return f(ctx, c)
}
