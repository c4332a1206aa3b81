package xcache

import (
	"context"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/sync/singleflight"
)

// NewMemory returns an in-memory cache holding at most capacity entries,
// each expiring ttl after it was written. A non-positive ttl keeps entries
// until they are evicted, a non-positive capacity holds a single entry.
func NewMemory[T any](capacity int, ttl time.Duration) Cache[T] {
	builder := otter.MustBuilder[string, T](max(capacity, 1))
	var (
		cache otter.Cache[string, T]
		err   error
	)
	if ttl > 0 {
		cache, err = builder.WithTTL(ttl).Build()
	} else {
		cache, err = builder.Build()
	}
	if err != nil {
		return NewDiscard[T]()
	}
	return &memoryCacheImpl[T]{cache: cache}
}

type memoryCacheImpl[T any] struct {
	cache     otter.Cache[string, T]
	loadGroup singleflight.Group
}

func (s *memoryCacheImpl[T]) Get(_ context.Context, key string) (T, bool) {
	return s.cache.Get(key)
}

func (s *memoryCacheImpl[T]) Load(ctx context.Context, key string, loader ValueLoader[T]) (T, error) {
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}
	loaded, err, _ := s.loadGroup.Do(key, func() (interface{}, error) {
		value, err := loader(ctx, key)
		if err != nil {
			return nil, err
		}
		s.cache.Set(key, value)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return loaded.(T), nil
}

func (s *memoryCacheImpl[T]) Set(_ context.Context, key string, value T) {
	s.cache.Set(key, value)
}

func (s *memoryCacheImpl[T]) Delete(_ context.Context, key string) {
	s.cache.Delete(key)
}
