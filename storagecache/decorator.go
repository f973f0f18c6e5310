package storagecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/goliatone/go-identity-map/cache"
	"github.com/goliatone/go-identity-map/identitymap"
	"github.com/puzpuzpuz/xsync/v3"
)

// Interface assertions
var (
	_ identitymap.Storage      = (*Storage)(nil)
	_ identitymap.KeyGenerator = (*Storage)(nil)
)

var errAbsent = errors.New("storagecache: row absent")

// Storage decorates an identitymap.Storage with a read-through cache of
// committed rows. Reads pass through the cache; a successful Flush advances
// the generation of every collection it touched so later reads miss and go
// to the base storage. Absent rows are never cached.
//
// The entity cache of each transaction sits above this layer and is still
// the only place where identity is decided.
type Storage struct {
	base          identitymap.Storage
	rows          cache.Service[identitymap.Row]
	keySerializer cache.KeySerializer
	generations   *xsync.MapOf[string, *atomic.Uint64]
	logger        *slog.Logger
}

// Option configures a Storage.
type Option func(*Storage)

// WithLogger sets the logger used for invalidation diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps base with rows as the cache of committed rows.
func New(base identitymap.Storage, rows cache.Service[identitymap.Row], keySerializer cache.KeySerializer, opts ...Option) *Storage {
	s := &Storage{
		base:          base,
		rows:          rows,
		keySerializer: keySerializer,
		generations:   xsync.NewMapOf[string, *atomic.Uint64](),
		logger:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Base returns the decorated storage.
func (s *Storage) Base() identitymap.Storage {
	return s.base
}

// ReadRow retrieves a row by key, with caching.
func (s *Storage) ReadRow(ctx context.Context, c *identitymap.Collection, key any) (identitymap.Row, bool, error) {
	if bypassed(ctx) {
		return s.base.ReadRow(ctx, c, key)
	}
	k, err := c.NormalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	return s.read(ctx, s.cacheKey(c, "row", k), func(ctx context.Context) (identitymap.Row, bool, error) {
		return s.base.ReadRow(ctx, c, k)
	})
}

// ReadByColumn retrieves the first row whose column equals value, with caching.
func (s *Storage) ReadByColumn(ctx context.Context, c *identitymap.Collection, column string, value any) (identitymap.Row, bool, error) {
	if bypassed(ctx) {
		return s.base.ReadByColumn(ctx, c, column, value)
	}
	return s.read(ctx, s.cacheKey(c, "column", column, value), func(ctx context.Context) (identitymap.Row, bool, error) {
		return s.base.ReadByColumn(ctx, c, column, value)
	})
}

func (s *Storage) read(ctx context.Context, key string, load func(context.Context) (identitymap.Row, bool, error)) (identitymap.Row, bool, error) {
	row, err := cache.GetOrFetch(ctx, s.rows, key, func(ctx context.Context) (identitymap.Row, error) {
		row, found, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errAbsent
		}
		return row, nil
	})
	if errors.Is(err, errAbsent) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	// Callers own the row they get back; the cached copy stays pristine.
	return row.Clone(), true, nil
}

// Flush writes the batch through to the base storage and, when it
// succeeds, invalidates every collection the batch touched.
func (s *Storage) Flush(ctx context.Context, batch identitymap.WriteBatch) error {
	if err := s.base.Flush(ctx, batch); err != nil {
		return err
	}
	s.invalidateAfterFlush(ctx, batch)
	return nil
}

// NextKey delegates to the base storage when it generates keys.
func (s *Storage) NextKey(ctx context.Context, c *identitymap.Collection) (any, error) {
	if g, ok := s.base.(identitymap.KeyGenerator); ok {
		return g.NextKey(ctx, c)
	}
	return nil, fmt.Errorf("%w: storage cannot generate keys for %s", identitymap.ErrKeyRequired, c.Name())
}

// Invalidate drops every cached row of c.
func (s *Storage) Invalidate(ctx context.Context, c *identitymap.Collection) {
	s.advance(ctx, c.Name())
}

func (s *Storage) invalidateAfterFlush(ctx context.Context, batch identitymap.WriteBatch) {
	seen := map[string]bool{}
	for _, w := range batch.Writes {
		name := w.Collection.Name()
		if seen[name] {
			continue
		}
		seen[name] = true
		s.advance(ctx, name)
	}
}

// advance moves the collection to a new generation. Keys of the old one are
// unreachable from then on and are deleted eagerly to free capacity.
func (s *Storage) advance(ctx context.Context, collection string) {
	gen, _ := s.generations.LoadOrStore(collection, &atomic.Uint64{})
	old := gen.Add(1) - 1
	prefix := s.namespace(collection, old)
	if err := s.rows.DeleteByPrefix(ctx, prefix+cache.KeySeparator); err != nil {
		s.logger.Warn("row cache invalidation failed", "collection", collection, "error", err)
		return
	}
	s.logger.Debug("row cache invalidated", "collection", collection, "generation", old+1)
}

func (s *Storage) cacheKey(c *identitymap.Collection, op string, args ...any) string {
	var current uint64
	if gen, ok := s.generations.Load(c.Name()); ok {
		current = gen.Load()
	}
	return s.keySerializer.SerializeKey(s.namespace(c.Name(), current)+cache.KeySeparator+op, args...)
}

func (s *Storage) namespace(collection string, generation uint64) string {
	return collection + cache.KeySeparator + strconv.FormatUint(generation, 10)
}
