package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"

	"github.com/mdkeeper/mdkeeper/internal/parser"
)

// HashBackendID identifies the deterministic hash embedder. The suffix
// versions the bucketing algorithm; changing it invalidates stored
// vectors.
const HashBackendID = "hash-v1"

// DefaultHashDimensions is the vector length of the hash backend.
const DefaultHashDimensions = 64

// HashEmbedder is the deterministic fallback backend. Each distinct
// token is hashed into a bucket and the final vector is L2-normalized.
// It is always available and needs no model runtime.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hash embedder. dimensions <= 0 selects the
// default.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed hashes each distinct token of text: SHA-256 of the token, first
// 8 bytes read as an unsigned big-endian integer, modulo the dimension,
// adds 1.0 at that index, then normalizes.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dimensions)

	seen := map[string]struct{}{}
	for _, tok := range parser.Tokens(text) {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}

		sum := sha256.Sum256([]byte(tok))
		bucket := binary.BigEndian.Uint64(sum[:8]) % uint64(h.dimensions)
		vec[bucket] += 1.0
	}

	normalizeVector(vec)
	return vec, nil
}

// EmbedBatch embeds each text independently.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (h *HashEmbedder) Dimensions() int { return h.dimensions }

func (h *HashEmbedder) BackendID() string { return HashBackendID }

func (h *HashEmbedder) Available(context.Context) bool { return true }

func (h *HashEmbedder) Close() error { return nil }
