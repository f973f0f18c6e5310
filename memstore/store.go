package memstore

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-identity-map/identitymap"
	"github.com/puzpuzpuz/xsync/v3"
)

// Interface assertions
var (
	_ identitymap.Storage      = (*Store)(nil)
	_ identitymap.KeyGenerator = (*Store)(nil)
)

type table map[any]identitymap.Row

// Store keeps rows in memory, keyed by collection name and normalized key.
// Batches apply atomically: a failing write leaves every table untouched.
type Store struct {
	mu     sync.RWMutex
	tables map[string]table

	seqs    *xsync.MapOf[string, *atomic.Int64]
	reads   *xsync.Counter
	flushes *xsync.Counter
	hook    func(ctx context.Context, batch identitymap.WriteBatch) error
}

// Option configures a Store.
type Option func(*Store)

// WithFlushHook runs fn before each batch is applied; a non-nil error rejects
// the batch. Tests use it to simulate storage failures.
func WithFlushHook(fn func(ctx context.Context, batch identitymap.WriteBatch) error) Option {
	return func(s *Store) {
		s.hook = fn
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		tables:  map[string]table{},
		seqs:    xsync.NewMapOf[string, *atomic.Int64](),
		reads:   xsync.NewCounter(),
		flushes: xsync.NewCounter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadRow implements identitymap.Storage.
func (s *Store) ReadRow(ctx context.Context, c *identitymap.Collection, key any) (identitymap.Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	k, err := c.NormalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	s.reads.Inc()

	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.tables[c.Name()][k]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}

// ReadByColumn implements identitymap.Storage. Rows are scanned in key order
// so the first match is deterministic.
func (s *Store) ReadByColumn(ctx context.Context, c *identitymap.Collection, column string, value any) (identitymap.Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !c.HasColumn(column) {
		return nil, false, fmt.Errorf("%w: %s.%s", identitymap.ErrUnknownColumn, c.Name(), column)
	}
	s.reads.Inc()

	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.tables[c.Name()]
	for _, k := range sortedKeys(t) {
		if identitymap.EqualValues(t[k][column], value) {
			return t[k].Clone(), true, nil
		}
	}
	return nil, false, nil
}

// Flush implements identitymap.Storage.
func (s *Store) Flush(ctx context.Context, batch identitymap.WriteBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.hook != nil {
		if err := s.hook(ctx, batch); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := map[string]table{}
	stage := func(name string) table {
		if t, ok := staged[name]; ok {
			return t
		}
		t := maps.Clone(s.tables[name])
		if t == nil {
			t = table{}
		}
		staged[name] = t
		return t
	}

	for i, w := range batch.Writes {
		name := w.Collection.Name()
		t := stage(name)
		switch w.Kind {
		case identitymap.WriteInsert:
			if _, exists := t[w.Key]; exists {
				return fmt.Errorf("write %d: %w: %s[%v]", i, identitymap.ErrDuplicateRow, name, w.Key)
			}
			t[w.Key] = w.Values.Clone()
		case identitymap.WriteUpdate:
			row, exists := t[w.Key]
			if !exists {
				return fmt.Errorf("write %d: %w: %s[%v]", i, identitymap.ErrRowMissing, name, w.Key)
			}
			row = row.Clone()
			maps.Copy(row, w.Values)
			t[w.Key] = row
		case identitymap.WriteDelete:
			if _, exists := t[w.Key]; !exists {
				return fmt.Errorf("write %d: %w: %s[%v]", i, identitymap.ErrRowMissing, name, w.Key)
			}
			delete(t, w.Key)
		default:
			return fmt.Errorf("write %d: unknown kind %v", i, w.Kind)
		}
	}

	for name, t := range staged {
		s.tables[name] = t
		if seq, ok := s.seqs.Load(name); ok {
			for k := range t {
				if n, ok := k.(int64); ok {
					raise(seq, n)
				}
			}
		}
	}
	s.flushes.Inc()
	return nil
}

// NextKey implements identitymap.KeyGenerator for integer keys. The sequence
// starts above the largest key present when it is first used.
func (s *Store) NextKey(ctx context.Context, c *identitymap.Collection) (any, error) {
	switch c.KeyType() {
	case identitymap.KeyInt, identitymap.KeyLong:
	default:
		return nil, fmt.Errorf("%w: memstore sequences integer keys only, %s has %s keys",
			identitymap.ErrKeyRequired, c.Name(), c.KeyType())
	}
	seq, _ := s.seqs.LoadOrCompute(c.Name(), func() *atomic.Int64 {
		seq := &atomic.Int64{}
		s.mu.RLock()
		for k := range s.tables[c.Name()] {
			if n, ok := k.(int64); ok && n > seq.Load() {
				seq.Store(n)
			}
		}
		s.mu.RUnlock()
		return seq
	})
	return seq.Add(1), nil
}

// Seed inserts rows directly, bypassing batches. Keys are taken from the
// identity columns of each row.
func (s *Store) Seed(c *identitymap.Collection, rows ...identitymap.Row) error {
	writes := make([]identitymap.Write, 0, len(rows))
	for _, row := range rows {
		parts := make([]any, 0, len(c.IdentityColumns()))
		for _, col := range c.IdentityColumns() {
			parts = append(parts, row[col])
		}
		var raw any = parts
		if len(parts) == 1 {
			raw = parts[0]
		}
		key, err := c.NormalizeKey(raw)
		if err != nil {
			return err
		}
		writes = append(writes, identitymap.Write{Kind: identitymap.WriteInsert, Collection: c, Key: key, Values: row})
	}
	return s.Flush(context.Background(), identitymap.WriteBatch{Scope: "seed", Writes: writes})
}

// Rows returns a copy of every row of c in key order.
func (s *Store) Rows(c *identitymap.Collection) []identitymap.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.tables[c.Name()]
	rows := make([]identitymap.Row, 0, len(t))
	for _, k := range sortedKeys(t) {
		rows = append(rows, t[k].Clone())
	}
	return rows
}

// Reads returns how many storage reads were served.
func (s *Store) Reads() int64 {
	return s.reads.Value()
}

// Flushes returns how many batches were applied.
func (s *Store) Flushes() int64 {
	return s.flushes.Value()
}

func raise(seq *atomic.Int64, n int64) {
	for {
		cur := seq.Load()
		if n <= cur || seq.CompareAndSwap(cur, n) {
			return
		}
	}
}

func sortedKeys(t table) []any {
	keys := make([]any, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return identitymap.KeyLess(keys[i], keys[j])
	})
	return keys
}
