package xcache

import (
	"context"
)

// NewDiscard returns a cache that never stores anything, every Load calls the
// loader.
func NewDiscard[T any]() Cache[T] {
	return discardCacheImpl[T]{}
}

type discardCacheImpl[T any] struct{}

func (discardCacheImpl[T]) Get(_ context.Context, _ string) (zero T, _ bool) {
	return zero, false
}

func (discardCacheImpl[T]) Load(ctx context.Context, key string, loader ValueLoader[T]) (T, error) {
	return loader(ctx, key)
}

func (discardCacheImpl[T]) Set(_ context.Context, _ string, _ T) {}

func (discardCacheImpl[T]) Delete(_ context.Context, _ string) {}
