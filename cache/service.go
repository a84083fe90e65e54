package cache

import (
	"context"

	"github.com/goliatone/go-relational-cache/errors"
)

// ErrInvalidResultType is returned by GetOrFetch when the cached value does not
// have the requested type. It means two entity types share a key namespace.
var ErrInvalidResultType = errors.New(errors.CacheManagement, "cached value has unexpected type")

// KeySerializer builds an identity key from an entity namespace and its key
// values. Equal key values must always produce equal keys, whatever Go type
// the driver or the caller used for them.
type KeySerializer interface {
	SerializeKey(namespace string, values ...any) string
}

// FetchFn loads the value for a key that is not cached yet.
type FetchFn[T any] func(ctx context.Context) (T, error)

// IdentityCache holds at most one instance per key. Concurrent GetOrFetch
// calls for the same key run fetchFn once and all receive its result.
type IdentityCache interface {
	GetOrFetch(ctx context.Context, key string, fetchFn func(ctx context.Context) (any, error)) (any, error)
	Get(key string) (any, bool)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Keys() []string
	Size() int
}

// GetOrFetch is the typed form of IdentityCache.GetOrFetch.
func GetOrFetch[T any](ctx context.Context, c IdentityCache, key string, fetchFn FetchFn[T]) (T, error) {
	var zero T
	result, err := c.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetchFn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, errors.Wrapf(ErrInvalidResultType, "key %q holds %T", key, result)
	}
	return typed, nil
}

// Get is the typed form of IdentityCache.Get.
func Get[T any](c IdentityCache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}
