package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/goliatone/go-identity-map/identitymap"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/uptrace/bun"
)

// Interface assertions
var (
	_ identitymap.Storage      = (*Store)(nil)
	_ identitymap.KeyGenerator = (*Store)(nil)
)

// Store reads and writes entity rows through bun. Rows are handled as plain
// column maps, so any table described by an identitymap.Collection works
// without a model struct.
type Store struct {
	db     *bun.DB
	logger *slog.Logger
	seqs   *xsync.MapOf[string, *atomic.Int64]
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for flush diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps db.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.New(slog.DiscardHandler),
		seqs:   xsync.NewMapOf[string, *atomic.Int64](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying handle.
func (s *Store) DB() *bun.DB {
	return s.db
}

// ReadRow implements identitymap.Storage. Composite keys are matched column
// by column.
func (s *Store) ReadRow(ctx context.Context, c *identitymap.Collection, key any) (identitymap.Row, bool, error) {
	k, err := c.NormalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	where, err := c.KeyColumns(k)
	if err != nil {
		return nil, false, err
	}
	return s.selectOne(ctx, c, where)
}

// ReadByColumn implements identitymap.Storage.
func (s *Store) ReadByColumn(ctx context.Context, c *identitymap.Collection, column string, value any) (identitymap.Row, bool, error) {
	if !c.HasColumn(column) {
		return nil, false, fmt.Errorf("%w: %s.%s", identitymap.ErrUnknownColumn, c.Name(), column)
	}
	return s.selectOne(ctx, c, identitymap.Row{column: value})
}

func (s *Store) selectOne(ctx context.Context, c *identitymap.Collection, where identitymap.Row) (identitymap.Row, bool, error) {
	q := s.db.NewSelect().
		TableExpr("?", bun.Ident(c.TableName())).
		ColumnExpr("*").
		Limit(1)
	for _, col := range c.AllColumns() {
		if v, ok := where[col]; ok {
			q = q.Where("? = ?", bun.Ident(col), v)
		}
	}
	for _, col := range c.IdentityColumns() {
		q = q.OrderExpr("? ASC", bun.Ident(col))
	}

	row := map[string]any{}
	if err := q.Scan(ctx, &row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("select %s: %w", c.TableName(), err)
	}
	return normalizeRow(row), true, nil
}

// Flush implements identitymap.Storage. The batch runs in one database
// transaction; any failing statement rolls all of it back.
func (s *Store) Flush(ctx context.Context, batch identitymap.WriteBatch) error {
	if len(batch.Writes) == 0 {
		return nil
	}

	run := func(ctx context.Context, tx bun.Tx) error {
		for i, w := range batch.Writes {
			if err := s.apply(ctx, tx, w); err != nil {
				return fmt.Errorf("write %d: %w", i, err)
			}
		}
		return nil
	}

	if err := s.db.RunInTx(ctx, nil, run); err != nil {
		s.logger.Warn("batch rejected", "scope", batch.Scope, "writes", len(batch.Writes), "error", err)
		return err
	}

	for _, w := range batch.Writes {
		if w.Kind != identitymap.WriteInsert {
			continue
		}
		if n, ok := w.Key.(int64); ok {
			if seq, ok := s.seqs.Load(w.Collection.Name()); ok {
				raise(seq, n)
			}
		}
	}
	s.logger.Debug("batch flushed", "scope", batch.Scope, "writes", len(batch.Writes))
	return nil
}

func (s *Store) apply(ctx context.Context, tx bun.Tx, w identitymap.Write) error {
	c := w.Collection
	table := c.TableName()
	where, err := c.KeyColumns(w.Key)
	if err != nil {
		return err
	}

	switch w.Kind {
	case identitymap.WriteInsert:
		values := map[string]any(w.Values.Clone())
		if _, err := tx.NewInsert().Model(&values).TableExpr("?", bun.Ident(table)).Exec(ctx); err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: %s[%v]: %v", identitymap.ErrDuplicateRow, table, w.Key, err)
			}
			return fmt.Errorf("insert %s: %w", table, err)
		}
		return nil

	case identitymap.WriteUpdate:
		values := map[string]any(w.Values.Clone())
		q := tx.NewUpdate().Model(&values).TableExpr("?", bun.Ident(table))
		for _, col := range c.IdentityColumns() {
			q = q.Where("? = ?", bun.Ident(col), where[col])
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return fmt.Errorf("update %s: %w", table, err)
		}
		return expectRow(res, table, w.Key)

	case identitymap.WriteDelete:
		q := tx.NewDelete().TableExpr("?", bun.Ident(table))
		for _, col := range c.IdentityColumns() {
			q = q.Where("? = ?", bun.Ident(col), where[col])
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
		return expectRow(res, table, w.Key)
	}
	return fmt.Errorf("unknown write kind %v", w.Kind)
}

// NextKey implements identitymap.KeyGenerator for integer keys. The
// sequence starts from the table's current maximum and is kept in process;
// deployments with several writers should supply their own generator.
func (s *Store) NextKey(ctx context.Context, c *identitymap.Collection) (any, error) {
	switch c.KeyType() {
	case identitymap.KeyInt, identitymap.KeyLong:
	default:
		return nil, fmt.Errorf("%w: bunstore sequences integer keys only, %s has %s keys",
			identitymap.ErrKeyRequired, c.Name(), c.KeyType())
	}

	seq, ok := s.seqs.Load(c.Name())
	if !ok {
		var current int64
		err := s.db.NewSelect().
			TableExpr("?", bun.Ident(c.TableName())).
			ColumnExpr("COALESCE(MAX(?), 0)", bun.Ident(c.IdentityColumn())).
			Scan(ctx, &current)
		if err != nil {
			return nil, fmt.Errorf("sequence %s: %w", c.TableName(), err)
		}
		fresh := &atomic.Int64{}
		fresh.Store(current)
		seq, _ = s.seqs.LoadOrStore(c.Name(), fresh)
	}
	return seq.Add(1), nil
}

func expectRow(res sql.Result, table string, key any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", table, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s[%v]", identitymap.ErrRowMissing, table, key)
	}
	return nil
}

func isDuplicate(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code.Name() == "unique_violation"
	}
	return false
}

// normalizeRow turns driver text values into strings so rows compare equal
// regardless of the dialect that produced them.
func normalizeRow(row map[string]any) identitymap.Row {
	out := make(identitymap.Row, len(row))
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out[k] = v
	}
	return out
}

func raise(seq *atomic.Int64, n int64) {
	for {
		cur := seq.Load()
		if n <= cur || seq.CompareAndSwap(cur, n) {
			return
		}
	}
}
