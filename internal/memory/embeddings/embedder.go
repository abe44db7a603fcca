// Package embeddings provides the embedding providers behind semantic
// memory: an Ollama-backed provider for real use, a deterministic hash
// provider for offline runs and tests, and an LRU cache wrapper.
package embeddings

import (
	"context"
	"fmt"

	"github.com/sindri-dev/sindri/pkg/types"
)

// Embedder turns text into a vector.
type Embedder interface {
	// Name identifies the provider in logs and cache keys.
	Name() string

	// Embed returns the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// New builds the embedder selected by provider, wrapped in an LRU
// cache when cacheSize > 0.
func New(provider, baseURL, model string, cacheSize int) (Embedder, error) {
	var inner Embedder
	switch provider {
	case "", "ollama":
		inner = NewOllama(baseURL, model)
	case "hash":
		inner = NewHash(0)
	default:
		return nil, types.NewError(types.CategoryFatal, "embeddings.new",
			fmt.Sprintf("unknown embeddings provider %q", provider))
	}
	if cacheSize <= 0 {
		return inner, nil
	}
	return NewCached(inner, cacheSize)
}
