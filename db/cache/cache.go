package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/evergreen-ci/utility/ttlcache"
)

type (
	// Using a custom type to avoid collisions with other context keys.
	cacheContextKey string
)

const lifetime = time.Second

// Embed attaches a short lived read cache for each named collection to the
// context. Lookups by _id through the db package consult it before the
// server. Collections that already carry a cache keep it.
func Embed(ctx context.Context, namePrefix string, collections ...string) context.Context {
	for _, collection := range collections {
		if collection == "" || ctx.Value(cacheContextKey(collection)) != nil {
			continue
		}
		cacheName := fmt.Sprintf("%s-db-cache-%s", namePrefix, collection)
		cache := ttlcache.WithOtel(ttlcache.NewWeakInMemory[any](), cacheName)
		ctx = context.WithValue(ctx, cacheContextKey(collection), cache)
	}

	return ctx
}

func GetFromCache[T any](ctx context.Context, collection, id string) (T, bool) {
	cache, ok := getCache[T](ctx, cacheContextKey(collection))
	if !ok {
		return *new(T), false
	}

	return cache.Get(ctx, id, 0)
}

func SetInCache[T any](ctx context.Context, collection, id string, value T) {
	cache, ok := getCache[T](ctx, cacheContextKey(collection))
	if !ok {
		return
	}

	cache.Put(ctx, id, value, time.Now().Add(lifetime))
}

func getCache[T any](ctx context.Context, collection cacheContextKey) (ttlcache.Cache[T], bool) {
	cache, ok := ctx.Value(collection).(ttlcache.Cache[T])
	return cache, ok
}
