package cacheinfra

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Capacity != 10000 {
		t.Errorf("expected Capacity to be 10000, got %d", cfg.Capacity)
	}
	if cfg.NumShards != 64 {
		t.Errorf("expected NumShards to be 64, got %d", cfg.NumShards)
	}
	if cfg.TTL != time.Minute {
		t.Errorf("expected TTL to be 1 minute, got %v", cfg.TTL)
	}
	if cfg.EarlyRefresh != nil {
		t.Error("expected early refresh to be disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to be valid, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero capacity", func(c *Config) { c.Capacity = 0 }, "Capacity"},
		{"negative shards", func(c *Config) { c.NumShards = -1 }, "NumShards"},
		{"zero ttl", func(c *Config) { c.TTL = 0 }, "TTL"},
		{"eviction too high", func(c *Config) { c.EvictionPercentage = 101 }, "EvictionPercentage"},
		{"negative eviction interval", func(c *Config) { c.EvictionInterval = -time.Second }, "EvictionInterval"},
		{"refresh window inverted", func(c *Config) {
			c.EarlyRefresh = &EarlyRefreshConfig{MinAsyncRefreshTime: time.Minute, MaxAsyncRefreshTime: time.Second}
		}, "MaxAsyncRefreshTime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("expected error to mention %s, got %q", tt.field, err)
			}
		})
	}
}

func TestConfig_ToSturdycOptions(t *testing.T) {
	cfg := DefaultConfig()
	if got := len(cfg.ToSturdycOptions()); got != 0 {
		t.Errorf("expected no options for default config, got %d", got)
	}

	cfg.EarlyRefresh = &EarlyRefreshConfig{
		MinAsyncRefreshTime: time.Second,
		MaxAsyncRefreshTime: 2 * time.Second,
		SyncRefreshTime:     5 * time.Second,
		RetryBaseDelay:      time.Millisecond,
	}
	cfg.EvictionInterval = time.Second
	if got := len(cfg.ToSturdycOptions()); got != 2 {
		t.Errorf("expected 2 options, got %d", got)
	}
}

func TestNewSturdycService_InvalidConfig(t *testing.T) {
	if _, err := NewSturdycService[string](Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func newService(t *testing.T) *SturdycService[string] {
	t.Helper()
	service, err := NewSturdycService[string](Config{
		Capacity:           100,
		NumShards:          2,
		TTL:                time.Minute,
		EvictionPercentage: 10,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestSturdycService_GetOrFetch(t *testing.T) {
	ctx := context.Background()
	service := newService(t)

	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		got, err := service.GetOrFetch(ctx, "key", fetch)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "value" {
			t.Errorf("expected value, got %q", got)
		}
	}
	if calls != 1 {
		t.Errorf("expected one fetch, got %d", calls)
	}
	if service.Size() != 1 {
		t.Errorf("expected one entry, got %d", service.Size())
	}
}

func TestSturdycService_FailedFetchIsNotStored(t *testing.T) {
	ctx := context.Background()
	service := newService(t)
	errAbsent := errors.New("absent")

	calls := 0
	fetch := func(ctx context.Context) (string, error) {
		calls++
		return "", errAbsent
	}

	for i := 0; i < 2; i++ {
		if _, err := service.GetOrFetch(ctx, "missing", fetch); !errors.Is(err, errAbsent) {
			t.Fatalf("expected errAbsent, got %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("expected every lookup to fetch, got %d fetches", calls)
	}
	if service.Size() != 0 {
		t.Errorf("expected empty cache, got %d entries", service.Size())
	}
}

func TestSturdycService_Delete(t *testing.T) {
	ctx := context.Background()
	service := newService(t)

	fetch := func(v string) func(context.Context) (string, error) {
		return func(context.Context) (string, error) { return v, nil }
	}

	if _, err := service.GetOrFetch(ctx, "key", fetch("old")); err != nil {
		t.Fatalf("failed to cache value: %v", err)
	}
	if err := service.Delete(ctx, "key"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	got, err := service.GetOrFetch(ctx, "key", fetch("new"))
	if err != nil {
		t.Fatalf("failed to fetch after delete: %v", err)
	}
	if got != "new" {
		t.Errorf("expected refetched value, got %q", got)
	}
}

func TestSturdycService_DeleteByPrefix(t *testing.T) {
	ctx := context.Background()
	service := newService(t)

	for _, key := range []string{"users::1", "users::2", "orders::1"} {
		key := key
		if _, err := service.GetOrFetch(ctx, key, func(context.Context) (string, error) { return key, nil }); err != nil {
			t.Fatalf("failed to cache %s: %v", key, err)
		}
	}

	if err := service.DeleteByPrefix(ctx, "users::"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if service.Size() != 1 {
		t.Errorf("expected only orders entry to remain, got %d entries", service.Size())
	}
}
