package storagecache

import "context"

type bypassContextKey struct{}

// WithoutCache marks ctx so reads through a Storage go straight to the base
// storage and leave the cache untouched.
func WithoutCache(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bypassContextKey{}, true)
}

func bypassed(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(bypassContextKey{}).(bool)
	return v
}
