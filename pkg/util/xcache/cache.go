// Package xcache provides small generic caches keyed by string.
package xcache

import (
	"context"
)

// Cache stores values by key.
type Cache[T any] interface {
	// Get returns the cached value of the key.
	Get(ctx context.Context, key string) (T, bool)
	// Load returns the cached value of the key or calls loader once, even
	// with concurrent callers, and caches its successful result.
	Load(ctx context.Context, key string, loader ValueLoader[T]) (T, error)
	// Set saves the value of the key.
	Set(ctx context.Context, key string, value T)
	// Delete removes the value of the key.
	Delete(ctx context.Context, key string)
}

// ValueLoader loads the value of a key missing from the cache.
type ValueLoader[T any] func(ctx context.Context, key string) (T, error)
