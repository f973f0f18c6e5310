package di

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-identity-map/cache"
	"github.com/goliatone/go-identity-map/internal/scenarios"
	"gopkg.in/yaml.v3"
)

// Storage drivers understood by NewContainer.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the storage behind a container and the layers around it.
type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// ApplySchema creates the scenario tables on SQL drivers.
	ApplySchema bool `yaml:"apply_schema"`
	// RowCache enables the shared cache of committed rows when set.
	RowCache *cache.Config `yaml:"row_cache"`
	LogLevel string       `yaml:"log_level"`
}

// DefaultConfig returns an in-memory configuration without a row cache.
func DefaultConfig() Config {
	return Config{
		Driver:   DriverMemory,
		LogLevel: "info",
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In(DriverMemory, DriverSQLite, DriverPostgres)),
		validation.Field(&c.DSN, validation.When(c.Driver == DriverSQLite || c.Driver == DriverPostgres, validation.Required)),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
	)
	if err != nil {
		return err
	}
	if c.RowCache != nil {
		if err := c.RowCache.Validate(); err != nil {
			return fmt.Errorf("row_cache: %w", err)
		}
	}
	return nil
}

// Dialect returns the SQL dialect of the configured driver, or "" for memory.
func (c Config) Dialect() string {
	switch c.Driver {
	case DriverSQLite:
		return scenarios.DialectSQLite
	case DriverPostgres:
		return scenarios.DialectPostgres
	default:
		return ""
	}
}

func (c Config) level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.RowCache != nil {
		fillRowCache(cfg.RowCache)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// fillRowCache takes unset sizing fields from cache.DefaultConfig so a file
// can enable the row cache with just the fields it cares about.
func fillRowCache(c *cache.Config) {
	def := cache.DefaultConfig()
	if c.Capacity == 0 {
		c.Capacity = def.Capacity
	}
	if c.NumShards == 0 {
		c.NumShards = def.NumShards
	}
	if c.TTL == 0 {
		c.TTL = def.TTL
	}
	if c.EvictionPercentage == 0 {
		c.EvictionPercentage = def.EvictionPercentage
	}
}
