package identitymap_test

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-identity-map/identitymap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesSequentialKeys(t *testing.T) {
	ctx := context.Background()
	db, store, _ := newTestDB(t)
	require.NoError(t, store.Seed(names, identitymap.Row{"id": 41, "first": "a", "second": "b"}))

	tx := begin(t, db)
	a, err := tx.New(ctx, names, setAll(identitymap.Row{"first": "x", "second": "y"}))
	require.NoError(t, err)
	b, err := tx.New(ctx, names, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(42), a.ID())
	assert.Equal(t, int64(43), b.ID())
	assert.Equal(t, 2, tx.Pending())
	assert.Nil(t, a.Snapshot(), "created entities have no committed state")
}

func TestCommitFlushesInIssueOrder(t *testing.T) {
	ctx := context.Background()
	db, store, rec := newTestDB(t)
	require.NoError(t, store.Seed(names,
		identitymap.Row{"id": 1, "first": "a1", "second": "b1"},
		identitymap.Row{"id": 2, "first": "a2", "second": "b2"},
	))

	tx := begin(t, db)
	a, _, err := tx.FindByID(ctx, names, 1)
	require.NoError(t, err)
	b, _, err := tx.FindByID(ctx, names, 2)
	require.NoError(t, err)

	require.NoError(t, a.Set("first", "x"))
	require.NoError(t, a.Set("second", "y"))
	require.NoError(t, b.Set("first", "z"))
	require.NoError(t, a.Set("first", "w"))
	c, err := tx.NewWithID(ctx, names, 3, setAll(identitymap.Row{"first": "c"}))
	require.NoError(t, err)
	require.NoError(t, tx.Delete(b))
	require.NoError(t, tx.Commit(ctx))

	batch := rec.last(t)
	assert.Equal(t, tx.ID(), batch.Scope)
	assert.Equal(t, []shape{
		{identitymap.WriteUpdate, "NamesTable", int64(1)},
		{identitymap.WriteUpdate, "NamesTable", int64(2)},
		{identitymap.WriteUpdate, "NamesTable", int64(1)},
		{identitymap.WriteInsert, "NamesTable", int64(3)},
		{identitymap.WriteDelete, "NamesTable", int64(2)},
	}, shapes(batch))
	assert.Equal(t, identitymap.Row{"first": "x", "second": "y"}, batch.Writes[0].Values, "consecutive assignments coalesce")
	assert.Equal(t, identitymap.Row{"first": "w"}, batch.Writes[2].Values)

	rows := store.Rows(names)
	require.Len(t, rows, 2)
	assert.Equal(t, "w", rows[0]["first"])
	assert.Equal(t, "y", rows[0]["second"])
	assert.Equal(t, int64(3), rows[1]["id"])
	assert.Equal(t, identitymap.StatusCommitted, tx.Status())
	assert.Equal(t, c.Values(), identitymap.Row{"id": int64(3), "first": "c"})
}

func TestCommitWithoutWritesSkipsFlush(t *testing.T) {
	db, store, _ := newTestDB(t)
	tx := begin(t, db)

	require.NoError(t, tx.Commit(context.Background()))
	assert.Zero(t, store.Flushes())
	assert.Equal(t, identitymap.StatusCommitted, tx.Status())
}

func TestClosedTransactionRejectsOperations(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newTestDB(t)

	tx := begin(t, db)
	e, err := tx.NewWithID(ctx, names, 1, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	_, _, err = tx.FindByID(ctx, names, 1)
	assert.ErrorIs(t, err, identitymap.ErrTxClosed)
	_, err = tx.New(ctx, names, nil)
	assert.ErrorIs(t, err, identitymap.ErrTxClosed)
	assert.ErrorIs(t, e.Set("first", "late"), identitymap.ErrTxClosed)
	assert.ErrorIs(t, tx.Delete(e), identitymap.ErrTxClosed)
	assert.ErrorIs(t, tx.Commit(ctx), identitymap.ErrTxClosed)
	assert.ErrorIs(t, tx.Rollback(), identitymap.ErrTxClosed)
	assert.Zero(t, tx.Cache().Len())
}

func TestRollbackDiscardsWritesAndEvictsCreated(t *testing.T) {
	ctx := context.Background()
	db, store, _ := newTestDB(t)
	require.NoError(t, store.Seed(names, identitymap.Row{"id": 1, "first": "a", "second": "b"}))
	flushed := store.Flushes()

	tx := begin(t, db)
	e, _, err := tx.FindByID(ctx, names, 1)
	require.NoError(t, err)
	require.NoError(t, e.Set("first", "changed"))
	_, err = tx.NewWithID(ctx, names, 2, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(e))

	require.NoError(t, tx.Rollback())
	assert.Equal(t, identitymap.StatusRolledBack, tx.Status())
	assert.Equal(t, flushed, store.Flushes(), "rollback never touches storage")
	assert.Equal(t, "a", e.Get("first"))
	assert.False(t, e.Deleted())
	assert.Zero(t, tx.Cache().Len())

	next := begin(t, db)
	_, found, err := next.FindByID(ctx, names, 2)
	require.NoError(t, err)
	assert.False(t, found)
	got, found, err := next.FindByID(ctx, names, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got.Get("first"))
}

func TestFailedFlushLeavesTransactionFailed(t *testing.T) {
	ctx := context.Background()
	db, store, rec := newTestDB(t)
	rec.failWith(errors.New("disk full"))

	tx := begin(t, db)
	_, err := tx.NewWithID(ctx, names, 1, setAll(identitymap.Row{"first": "a"}))
	require.NoError(t, err)

	err = tx.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, identitymap.ErrFlushFailed)
	var ferr *identitymap.FlushError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 1, ferr.Writes)
	assert.Equal(t, tx.ID(), ferr.Scope)
	assert.Contains(t, ferr.Error(), "disk full")

	assert.Equal(t, identitymap.StatusFailed, tx.Status())
	assert.Same(t, ferr, tx.Err())
	assert.Empty(t, store.Rows(names))

	_, err = tx.NewWithID(ctx, names, 2, nil)
	assert.ErrorIs(t, err, identitymap.ErrTxFailed)
	assert.ErrorIs(t, err, identitymap.ErrFlushFailed)
	assert.ErrorIs(t, tx.Commit(ctx), identitymap.ErrTxFailed)

	require.NoError(t, tx.Rollback())
	assert.Equal(t, identitymap.StatusRolledBack, tx.Status())

	rec.failWith(nil)
	retry := begin(t, db)
	_, err = retry.NewWithID(ctx, names, 1, setAll(identitymap.Row{"first": "a"}))
	require.NoError(t, err)
	require.NoError(t, retry.Commit(ctx))
	assert.Len(t, store.Rows(names), 1)
}

func TestFailedInitializerLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newTestDB(t)
	errInit := errors.New("bad input")

	tx := begin(t, db)
	_, err := tx.NewWithID(ctx, names, 1, func(e *identitymap.Entity) error {
		require.NoError(t, e.Set("first", "a"))
		return errInit
	})
	assert.ErrorIs(t, err, errInit)
	assert.Zero(t, tx.Pending())
	assert.Zero(t, tx.Cache().Len())

	_, err = tx.NewWithID(ctx, names, 1, nil)
	assert.NoError(t, err, "the key is free again")
}

func TestEntityAssignmentRules(t *testing.T) {
	ctx := context.Background()
	db, _, _ := newTestDB(t)

	tx := begin(t, db)
	e, err := tx.NewWithID(ctx, names, 1, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, e.Set("id", 2), identitymap.ErrIdentityImmutable)
	assert.ErrorIs(t, e.Set("nickname", "x"), identitymap.ErrUnknownColumn)

	require.NoError(t, e.Set("first", "a"))
	first, ok := identitymap.Value[string](e, "first")
	assert.True(t, ok)
	assert.Equal(t, "a", first)
	_, ok = identitymap.Value[int](e, "first")
	assert.False(t, ok)

	require.NoError(t, tx.Delete(e))
	assert.True(t, e.Deleted())
	assert.ErrorIs(t, e.Set("first", "b"), identitymap.ErrEntityDeleted)
	assert.ErrorIs(t, tx.Delete(e), identitymap.ErrEntityDeleted)
}

func TestTransactionHelper(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db, store, _ := newTestDB(t)
		err := db.Transaction(ctx, func(ctx context.Context, tx *identitymap.Tx) error {
			_, err := tx.NewWithID(ctx, names, 1, nil)
			return err
		})
		require.NoError(t, err)
		assert.Len(t, store.Rows(names), 1)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, store, _ := newTestDB(t)
		errStop := errors.New("stop")
		var seen *identitymap.Tx
		err := db.Transaction(ctx, func(ctx context.Context, tx *identitymap.Tx) error {
			seen = tx
			if _, err := tx.NewWithID(ctx, names, 1, nil); err != nil {
				return err
			}
			return errStop
		})
		assert.ErrorIs(t, err, errStop)
		assert.Equal(t, identitymap.StatusRolledBack, seen.Status())
		assert.Empty(t, store.Rows(names))
	})

	t.Run("rolls back and re-panics", func(t *testing.T) {
		db, store, _ := newTestDB(t)
		var seen *identitymap.Tx
		assert.PanicsWithValue(t, "boom", func() {
			_ = db.Transaction(ctx, func(ctx context.Context, tx *identitymap.Tx) error {
				seen = tx
				if _, err := tx.NewWithID(ctx, names, 1, nil); err != nil {
					return err
				}
				panic("boom")
			})
		})
		assert.Equal(t, identitymap.StatusRolledBack, seen.Status())
		assert.Empty(t, store.Rows(names))
	})

	t.Run("accepts an explicit commit", func(t *testing.T) {
		db, store, _ := newTestDB(t)
		err := db.Transaction(ctx, func(ctx context.Context, tx *identitymap.Tx) error {
			if _, err := tx.NewWithID(ctx, names, 1, nil); err != nil {
				return err
			}
			return tx.Commit(ctx)
		})
		require.NoError(t, err)
		assert.Len(t, store.Rows(names), 1)
	})
}

func TestChangeHooksRunAfterCommit(t *testing.T) {
	ctx := context.Background()
	var got [][]identitymap.Change
	db, _, _ := newTestDB(t, identitymap.WithChangeHook(func(_ context.Context, changes []identitymap.Change) {
		got = append(got, changes)
	}))

	tx := begin(t, db)
	_, err := tx.NewWithID(ctx, names, 1, setAll(identitymap.Row{"first": "a"}))
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, db)
	e, _, err := tx.FindByID(ctx, names, 1)
	require.NoError(t, err)
	require.NoError(t, e.Set("second", "b"))
	require.NoError(t, tx.Delete(e))
	require.NoError(t, tx.Rollback())

	tx = begin(t, db)
	e, _, err = tx.FindByID(ctx, names, 1)
	require.NoError(t, err)
	require.NoError(t, e.Set("second", "b"))
	require.NoError(t, tx.Delete(e))
	require.NoError(t, tx.Commit(ctx))

	require.Len(t, got, 2, "rolled back transactions do not notify")
	require.Len(t, got[0], 1)
	assert.Equal(t, identitymap.ChangeCreated, got[0][0].Kind)
	assert.Equal(t, "NamesTable[1]", got[0][0].Key.String())

	kinds := []identitymap.ChangeKind{}
	for _, c := range got[1] {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []identitymap.ChangeKind{identitymap.ChangeUpdated, identitymap.ChangeRemoved}, kinds)
}

func TestMetricsCountLookupsAndOutcomes(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := identitymap.NewMetrics(reg)
	db, store, _ := newTestDB(t, identitymap.WithMetrics(m))
	require.NoError(t, store.Seed(names, identitymap.Row{"id": 1, "first": "a", "second": "b"}))

	tx := begin(t, db)
	e, _, err := tx.FindByID(ctx, names, 1)
	require.NoError(t, err)
	_, _, err = tx.FindByID(ctx, names, 1)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(e))
	_, found, err := tx.FindByID(ctx, names, 1)
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tx.Commit(ctx))

	rb := begin(t, db)
	require.NoError(t, rb.Rollback())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lookups.WithLabelValues("absent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageReads.WithLabelValues("read_row")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Flushes.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Invalidations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("rolled_back")))

	n, err := testutil.GatherAndCount(reg, "identitymap_cache_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "active", identitymap.StatusActive.String())
	assert.Equal(t, "failed", identitymap.StatusFailed.String())
	assert.True(t, identitymap.StatusCommitted.Terminal())
	assert.False(t, identitymap.StatusFailed.Terminal())
	assert.Equal(t, "Status(99)", identitymap.Status(99).String())
}
