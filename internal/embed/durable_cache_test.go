package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paparats/paparats/internal/embedcache"
)

func openTestStore(t *testing.T) *embedcache.Cache {
	t.Helper()
	store, err := embedcache.Open(embedcache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestDurableCache_MissThenHit(t *testing.T) {
	inner := newMockEmbedder(8)
	store := openTestStore(t)
	cache := NewDurableCache(inner, store)
	ctx := context.Background()

	v1, err := cache.Embed(ctx, "func add(a, b int) int { return a + b }")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.batchCalls.Load())

	v2, err := cache.Embed(ctx, "func add(a, b int) int { return a + b }")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.batchCalls.Load(), "second call should be served entirely from the durable cache")
	assert.Equal(t, v1, v2)
}

func TestDurableCache_EmbedBatch_OnlySubmitsMisses(t *testing.T) {
	inner := newMockEmbedder(8)
	store := openTestStore(t)
	cache := NewDurableCache(inner, store)
	ctx := context.Background()

	_, err := cache.Embed(ctx, "alpha")
	require.NoError(t, err)
	inner.batchCalls.Store(0)

	results, err := cache.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int64(1), inner.batchCalls.Load(), "only the two misses should be submitted, as a single batch")
}

func TestDurableCache_DifferentModelsDoNotShareEntries(t *testing.T) {
	innerA := newMockEmbedder(8)
	innerA.modelName = "model-a"
	innerB := newMockEmbedder(8)
	innerB.modelName = "model-b"
	store := openTestStore(t)

	cacheA := NewDurableCache(innerA, store)
	cacheB := NewDurableCache(innerB, store)
	ctx := context.Background()

	_, err := cacheA.Embed(ctx, "shared text")
	require.NoError(t, err)

	_, err = cacheB.Embed(ctx, "shared text")
	require.NoError(t, err)
	assert.Equal(t, int64(1), innerB.batchCalls.Load(), "a different model id must not reuse model-a's cached entry")
}
