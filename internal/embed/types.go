// Package embed converts text into fixed-dimension unit-norm vectors.
// Two backends exist: a model-backed embedder talking to a local
// inference endpoint, and a deterministic hash-based fallback that needs
// no external process. Stored vectors carry the backend id so staleness
// is detectable when the active backend changes.
package embed

import (
	"context"
	"math"
)

// Embedder is the capability shared by all backends.
type Embedder interface {
	// Embed converts text into a unit-norm vector of Dimensions() length.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the vector length this backend produces.
	Dimensions() int

	// BackendID is the stable identity string stored with each vector:
	// "model:<name>" or "hash-v1".
	BackendID() string

	// Available reports whether the backend can serve requests now.
	Available(ctx context.Context) bool

	// Close releases backend resources.
	Close() error
}

// normalizeVector scales v to unit L2 norm in place. Zero vectors are
// left untouched.
func normalizeVector(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// Cosine returns the cosine similarity of two unit-norm vectors, which
// reduces to their dot product. Mismatched or empty inputs score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
