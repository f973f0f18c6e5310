package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/goliatone/go-identity-map/bunstore"
	"github.com/goliatone/go-identity-map/cache"
	"github.com/goliatone/go-identity-map/identitymap"
	"github.com/goliatone/go-identity-map/internal/scenarios"
	"github.com/goliatone/go-identity-map/memstore"
	"github.com/goliatone/go-identity-map/storagecache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
)

// Container wires a Database to its storage, the optional row cache, the
// logger and the metrics registry. Every component is built once and shared.
type Container struct {
	config   Config
	logger   *slog.Logger
	registry *prometheus.Registry

	sqlDB         *bun.DB
	base          identitymap.Storage
	rows          cache.Service[identitymap.Row]
	keySerializer cache.KeySerializer
	storage       identitymap.Storage
	database      *identitymap.Database
}

// Option customizes a Container.
type Option func(*Container)

// WithLogger replaces the logger built from Config.LogLevel.
func WithLogger(l *slog.Logger) Option {
	return func(c *Container) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRegistry registers the database metrics on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Container) {
		if reg != nil {
			c.registry = reg
		}
	}
}

// WithKeySerializer replaces the row cache key serializer.
func WithKeySerializer(ks cache.KeySerializer) Option {
	return func(c *Container) {
		if ks != nil {
			c.keySerializer = ks
		}
	}
}

// NewContainer validates cfg and builds every component it names. SQL
// connections are opened eagerly and released by Close.
func NewContainer(ctx context.Context, cfg Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Container{
		config:        cfg,
		logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.level()})),
		registry:      prometheus.NewRegistry(),
		keySerializer: cache.NewDefaultKeySerializer(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.openStorage(ctx); err != nil {
		return nil, err
	}

	c.storage = c.base
	if cfg.RowCache != nil {
		rows, err := cache.NewService[identitymap.Row](*cfg.RowCache)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("row cache: %w", err)
		}
		c.rows = rows
		c.storage = storagecache.New(c.base, rows, c.keySerializer,
			storagecache.WithLogger(c.logger.With("component", "storagecache")),
		)
	}

	db, err := identitymap.New(c.storage,
		identitymap.WithLogger(c.logger.With("component", "identitymap")),
		identitymap.WithMetrics(identitymap.NewMetrics(c.registry)),
	)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.database = db

	c.logger.Info("container ready",
		"driver", cfg.Driver,
		"row_cache", cfg.RowCache != nil,
	)
	return c, nil
}

// NewContainerWithDefaults builds an in-memory container.
func NewContainerWithDefaults(ctx context.Context, opts ...Option) (*Container, error) {
	return NewContainer(ctx, DefaultConfig(), opts...)
}

func (c *Container) openStorage(ctx context.Context) error {
	var (
		db  *bun.DB
		err error
	)
	switch c.config.Driver {
	case DriverMemory:
		c.base = memstore.New()
		return nil
	case DriverSQLite:
		db, err = bunstore.OpenSQLite(ctx, c.config.DSN)
	case DriverPostgres:
		db, err = bunstore.OpenPostgres(ctx, c.config.DSN)
	default:
		return fmt.Errorf("unknown driver %q", c.config.Driver)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", c.config.Driver, err)
	}

	if c.config.ApplySchema {
		statements, err := scenarios.DDL(c.config.Dialect())
		if err == nil {
			err = bunstore.Exec(ctx, db, statements...)
		}
		if err != nil {
			return errors.Join(fmt.Errorf("apply schema: %w", err), db.Close())
		}
	}

	c.sqlDB = db
	c.base = bunstore.New(db, bunstore.WithLogger(c.logger.With("component", "bunstore")))
	return nil
}

// Database returns the identity map database.
func (c *Container) Database() *identitymap.Database {
	return c.database
}

// Storage returns the storage the database reads and flushes through,
// including the row cache when one is configured.
func (c *Container) Storage() identitymap.Storage {
	return c.storage
}

// BaseStorage returns the undecorated storage.
func (c *Container) BaseStorage() identitymap.Storage {
	return c.base
}

// RowCache returns the committed row cache, or nil when it is disabled.
func (c *Container) RowCache() cache.Service[identitymap.Row] {
	return c.rows
}

// KeySerializer returns the key serializer used by the row cache.
func (c *Container) KeySerializer() cache.KeySerializer {
	return c.keySerializer
}

// Registry returns the registry holding the database metrics.
func (c *Container) Registry() *prometheus.Registry {
	return c.registry
}

// Logger returns the container logger.
func (c *Container) Logger() *slog.Logger {
	return c.logger
}

// SQL returns the SQL handle, or nil for the memory driver.
func (c *Container) SQL() *bun.DB {
	return c.sqlDB
}

// Config returns a copy of the configuration used by this container.
func (c *Container) Config() Config {
	return c.config
}

// Close releases the SQL connection, if any.
func (c *Container) Close() error {
	if c.sqlDB == nil {
		return nil
	}
	err := c.sqlDB.Close()
	c.sqlDB = nil
	return err
}
