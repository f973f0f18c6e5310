// Package cache provides the typed read-through cache and key serialization
// used by the storagecache decorator.
//
// # Overview
//
//   - Service: a typed cache keyed by strings, backed by sturdyc
//   - KeySerializer: builds stable cache keys from a namespace and arguments
//
// # Basic Usage
//
//	rows, err := cache.NewService[identitymap.Row](cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	key := cache.NewDefaultKeySerializer().SerializeKey("NamesTable::0::row", int64(1))
//	row, err := cache.GetOrFetch(ctx, rows, key, func(ctx context.Context) (identitymap.Row, error) {
//		return load(ctx)
//	})
//
// # Key Serialization Strategy
//
// The namespace is kept verbatim and the arguments are replaced with a
// 64 bit xxhash of their msgpack encoding (maps with sorted keys). Keys for
// one namespace therefore share a prefix and can be dropped together with
// DeleteByPrefix. Values msgpack cannot encode, such as funcs, fall back to
// their printed form, which is only stable within one process.
//
// # Missing Values
//
// A fetch that returns an error is not stored; callers that need to express
// "no row" return a sentinel error and translate it back. Absence is never
// cached.
package cache
