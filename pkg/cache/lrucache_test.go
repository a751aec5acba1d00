package cache_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-taskqueue/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLRUCache(t *testing.T) {
	ctx := context.Background()

	t.Run("Eviction policy works correctly", func(t *testing.T) {
		// Arrange: a cache with a max size of 2.
		lru, err := cache.NewInMemoryLRUCache[string, int](2)
		require.NoError(t, err)

		// Act 1: Fill the cache.
		require.NoError(t, lru.WriteToCache(ctx, "key1", 1))
		require.NoError(t, lru.WriteToCache(ctx, "key2", 2))

		// Act 2: Access key1 again so key2 becomes the least recently used.
		val1, err := lru.FetchFromCache(ctx, "key1")
		require.NoError(t, err)
		assert.Equal(t, 1, val1)

		// Act 3: Write key3, which must evict key2.
		require.NoError(t, lru.WriteToCache(ctx, "key3", 3))

		// Assert
		assert.Equal(t, 2, lru.Len())
		_, err = lru.FetchFromCache(ctx, "key2")
		assert.ErrorIs(t, err, cache.ErrCacheMiss, "key2 should have been evicted")
		val3, err := lru.FetchFromCache(ctx, "key3")
		require.NoError(t, err)
		assert.Equal(t, 3, val3)
		_, err = lru.FetchFromCache(ctx, "key1")
		assert.NoError(t, err, "key1 should still be cached")
	})

	t.Run("Overwrite updates value without growing", func(t *testing.T) {
		lru, err := cache.NewInMemoryLRUCache[string, int](2)
		require.NoError(t, err)

		require.NoError(t, lru.WriteToCache(ctx, "key1", 1))
		require.NoError(t, lru.WriteToCache(ctx, "key1", 10))

		val, err := lru.FetchFromCache(ctx, "key1")
		require.NoError(t, err)
		assert.Equal(t, 10, val)
		assert.Equal(t, 1, lru.Len())
	})

	t.Run("Invalidate removes an item", func(t *testing.T) {
		lru, err := cache.NewInMemoryLRUCache[string, int](5)
		require.NoError(t, err)
		require.NoError(t, lru.WriteToCache(ctx, "key1", 1))

		require.NoError(t, lru.Invalidate(ctx, "key1"))

		_, err = lru.FetchFromCache(ctx, "key1")
		assert.ErrorIs(t, err, cache.ErrCacheMiss)
	})

	t.Run("Invalid size", func(t *testing.T) {
		_, err := cache.NewInMemoryLRUCache[string, int](0)
		assert.Error(t, err)
	})
}
