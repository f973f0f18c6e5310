// Package storagecache decorates an identitymap.Storage with a shared cache
// of committed rows backed by the cache package.
//
// Rows are cached per collection generation. Flushing a batch advances the
// generation of each collection it wrote, so no transaction reads a row that
// an earlier commit changed or deleted. Lookups that find nothing are passed
// through every time.
//
//	rows, err := cache.NewService[identitymap.Row](cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	storage := storagecache.New(base, rows, cache.NewDefaultKeySerializer())
//	db, err := identitymap.New(storage)
//
// Use WithoutCache on a context to read around the cache.
package storagecache
