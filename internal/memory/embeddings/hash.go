package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultHashDimension = 256

// Hash is a deterministic, offline embedder. It hashes word tokens
// into a fixed-size bag-of-words vector and L2-normalizes it, so texts
// sharing vocabulary land close together under cosine similarity. It
// exists for tests and for running without an embedding server; it has
// no understanding of meaning.
type Hash struct {
	dim int
}

var _ Embedder = (*Hash)(nil)

// NewHash creates a hash embedder with the given dimension. A
// non-positive dimension selects the default of 256.
func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = defaultHashDimension
	}
	return &Hash{dim: dim}
}

// Name returns the provider name.
func (h *Hash) Name() string {
	return "hash"
}

// Embed returns a normalized bag-of-words vector for the text.
func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for _, tok := range tokenize(text) {
		f := fnv.New64a()
		f.Write([]byte(tok))
		vec[f.Sum64()%uint64(h.dim)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
