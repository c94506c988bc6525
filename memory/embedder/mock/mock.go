// Package mock provides a deterministic embedder for tests. Vectors are
// derived from a hash of the input text, so identical texts always map to
// identical embeddings without any model or network dependency. The vectors
// carry no semantic meaning; tests that need similarity ranking should seed
// the expectation through exact-text matches.
package mock

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/convokit/convokit/memory"
)

// Compile-time interface check.
var _ memory.Embedder = (*Embedder)(nil)

const defaultDimensions = 64

// Embedder generates deterministic pseudo-random unit vectors from text.
type Embedder struct {
	dimensions int
}

// Options configures the mock embedder.
type Options struct {
	// Dimensions is the embedding vector length (default 64).
	Dimensions int
}

// New creates a mock embedder.
func New(optFns ...func(o *Options)) *Embedder {
	opts := Options{Dimensions: defaultDimensions}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Embedder{dimensions: opts.Dimensions}
}

// Embed derives a unit vector from an FNV hash of the text. The hash seeds a
// linear congruential generator so every dimension is a stable function of
// the input.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, e.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// Dimensions returns the embedding vector length.
func (e *Embedder) Dimensions() int { return e.dimensions }
