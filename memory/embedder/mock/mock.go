// Package mock provides a deterministic hash-based embedder for tests and
// local development. The vectors carry no semantic meaning, but identical
// texts always embed identically, which is enough for exercising storage,
// routing, and deduplication paths.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

const defaultDimensions = 384 // matches all-MiniLM-L6-v2

// Embedder generates pseudo-random unit vectors seeded by the text hash.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder. A non-positive dim selects the default.
func New(dim int) *Embedder {
	if dim <= 0 {
		dim = defaultDimensions
	}
	return &Embedder{dimensions: dim}
}

// Embed creates a deterministic embedding from text.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))

	// Hash seeds an LCG; each step yields one component in [-1, 1].
	seed := h.Sum64()
	vec := make([]float32, e.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// normalize converts the vector to unit length.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
