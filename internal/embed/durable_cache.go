package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/paparats/paparats/internal/embedcache"
)

// DurableCache composes an Embedder with the durable (content_hash,
// model_id) -> vector store of spec §4.6: for each input, compute its
// content hash, look it up in the cache, submit only the misses as one
// batch to the inner provider, populate the cache, and return vectors
// in request order (spec §4.7, "cached-provider wrapper").
type DurableCache struct {
	inner Embedder
	store *embedcache.Cache
}

var _ Embedder = (*DurableCache)(nil)

// NewDurableCache wraps inner with store as its durable backing cache.
func NewDurableCache(inner Embedder, store *embedcache.Cache) *DurableCache {
	return &DurableCache{inner: inner, store: store}
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed looks up text's vector in the durable cache before falling
// back to the inner provider.
func (d *DurableCache) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := d.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch resolves each text's vector from the durable cache,
// submitting only the misses to the inner provider as a single batch.
func (d *DurableCache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	hashes := make([]string, len(texts))
	var missIdx []int
	var missTexts []string

	model := d.inner.ModelName()
	for i, text := range texts {
		hashes[i] = contentHash(text)
		vec, ok, err := d.store.Get(ctx, hashes[i], model)
		if err != nil {
			return nil, fmt.Errorf("embed: durable cache lookup: %w", err)
		}
		if ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	computed, err := d.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		results[idx] = computed[j]
		if err := d.store.Set(ctx, hashes[idx], model, computed[j]); err != nil {
			return nil, fmt.Errorf("embed: durable cache store: %w", err)
		}
	}
	return results, nil
}

// Dimensions returns the inner provider's embedding dimension.
func (d *DurableCache) Dimensions() int { return d.inner.Dimensions() }

// ModelName returns the inner provider's model identifier.
func (d *DurableCache) ModelName() string { return d.inner.ModelName() }

// Available checks the inner provider's readiness.
func (d *DurableCache) Available(ctx context.Context) bool { return d.inner.Available(ctx) }

// Close closes the inner provider. The durable cache's own lifecycle
// is managed by its owner, since it may outlive any single provider.
func (d *DurableCache) Close() error { return d.inner.Close() }
