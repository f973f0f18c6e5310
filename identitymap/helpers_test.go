package identitymap_test

import (
	"context"
	"sync"
	"testing"

	"github.com/goliatone/go-identity-map/identitymap"
	"github.com/goliatone/go-identity-map/memstore"
	"github.com/stretchr/testify/require"
)

// names declares its identity column after the value columns.
var (
	names = identitymap.MustCollection("NamesTable",
		identitymap.Columns("first", "second"),
		identitymap.Identity("id", identitymap.KeyInt),
	)
	accounts = identitymap.MustCollection("AccountsTable",
		identitymap.References("name", names),
	)

	table1 = identitymap.MustCollection("Table1",
		identitymap.Identity("id", identitymap.KeyLong),
		identitymap.Columns("label"),
	)
	table2 = identitymap.MustCollection("Table2",
		identitymap.Identity("uuid_col", identitymap.KeyText),
		identitymap.References("table1", table1),
	)

	users = identitymap.MustCollection("Users",
		identitymap.Columns("code", "email"),
	)
	orders = identitymap.MustCollection("Orders",
		identitymap.ReferencesColumn("owner_code", users, "code"),
		identitymap.OptionalReferences("referrer", users),
		identitymap.Columns("total"),
	)

	memberships = identitymap.MustCollection("Memberships",
		identitymap.CompositeIdentity("group_id", "user_id"),
		identitymap.Columns("role"),
	)
)

// batchRecorder captures every batch handed to the store.
type batchRecorder struct {
	mu      sync.Mutex
	batches []identitymap.WriteBatch
	fail    error
}

func (r *batchRecorder) hook(_ context.Context, batch identitymap.WriteBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
	return r.fail
}

func (r *batchRecorder) last(t *testing.T) identitymap.WriteBatch {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.batches, "no batch was flushed")
	return r.batches[len(r.batches)-1]
}

func (r *batchRecorder) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

type shape struct {
	Kind       identitymap.WriteKind
	Collection string
	Key        any
}

func shapes(batch identitymap.WriteBatch) []shape {
	out := make([]shape, 0, len(batch.Writes))
	for _, w := range batch.Writes {
		out = append(out, shape{Kind: w.Kind, Collection: w.Collection.Name(), Key: w.Key})
	}
	return out
}

func newTestDB(t *testing.T, opts ...identitymap.Option) (*identitymap.Database, *memstore.Store, *batchRecorder) {
	t.Helper()
	rec := &batchRecorder{}
	store := memstore.New(memstore.WithFlushHook(rec.hook))
	db, err := identitymap.New(store, opts...)
	require.NoError(t, err)
	return db, store, rec
}

func begin(t *testing.T, db *identitymap.Database) *identitymap.Tx {
	t.Helper()
	tx, err := db.Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func setAll(values identitymap.Row) func(*identitymap.Entity) error {
	return func(e *identitymap.Entity) error {
		for col, v := range values {
			if err := e.Set(col, v); err != nil {
				return err
			}
		}
		return nil
	}
}
