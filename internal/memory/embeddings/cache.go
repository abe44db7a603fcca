package embeddings

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached wraps another embedder with an LRU cache keyed by text.
// Indexing re-embeds the same chunks across runs and the memory
// builder re-embeds similar task descriptions, so hits are common.
type Cached struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

var _ Embedder = (*Cached)(nil)

// NewCached wraps inner with a cache holding up to size embeddings.
func NewCached(inner Embedder, size int) (*Cached, error) {
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Name returns the wrapped provider's name.
func (c *Cached) Name() string {
	return c.inner.Name()
}

// Embed returns the cached vector when present, otherwise asks the
// wrapped embedder and caches the result. Callers must treat the
// returned slice as read-only.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(text, vec)
	return vec, nil
}

// Len reports how many embeddings are cached.
func (c *Cached) Len() int {
	return c.cache.Len()
}
