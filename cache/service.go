package cache

import "context"

// KeySerializer builds a cache key from a namespace + arbitrary args.
// It is responsible for producing stable keys across calls.
type KeySerializer interface {
	SerializeKey(namespace string, args ...any) string
}

// FetchFn is the function signature Service expects when fetching from the source of truth.
type FetchFn[V any] func(ctx context.Context) (V, error)

// Service is a typed read-through cache. A failed fetch is never stored.
type Service[V any] interface {
	GetOrFetch(ctx context.Context, key string, fetch func(context.Context) (V, error)) (V, error)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// GetOrFetch calls service with a FetchFn.
func GetOrFetch[V any](ctx context.Context, service Service[V], key string, fetch FetchFn[V]) (V, error) {
	return service.GetOrFetch(ctx, key, fetch)
}
