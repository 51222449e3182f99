package embed

import (
	"context"
	"log/slog"

	"github.com/mdkeeper/mdkeeper/internal/config"
	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// Select builds the active embedder from configuration.
//
//   - "hash": the deterministic fallback, always available.
//   - "model": the configured model endpoint; an error if unreachable.
//   - "auto": probe the model endpoint, fall back to hashing when it is
//     not serving.
//
// The result is wrapped in an LRU cache either way.
func Select(ctx context.Context, cfg config.EmbeddingsConfig, logger *slog.Logger) (Embedder, error) {
	const op = "embed.Select"

	if logger == nil {
		logger = slog.Default()
	}

	var inner Embedder
	switch cfg.Backend {
	case "hash":
		inner = NewHashEmbedder(DefaultHashDimensions)

	case "model":
		m := NewModelEmbedder(cfg.Model)
		if !m.Available(ctx) {
			_ = m.Close()
			return nil, mkerrors.Newf(mkerrors.KindBackend, op,
				"model backend %q requested but endpoint is not serving it", cfg.Model)
		}
		inner = m

	case "auto":
		m := NewModelEmbedder(cfg.Model)
		if m.Available(ctx) {
			inner = m
		} else {
			_ = m.Close()
			logger.Warn("embedding model unavailable, using hash fallback",
				slog.String("model", cfg.Model),
				slog.String("backend", HashBackendID))
			inner = NewHashEmbedder(DefaultHashDimensions)
		}

	default:
		return nil, mkerrors.Newf(mkerrors.KindInvalid, op, "unknown embeddings backend %q", cfg.Backend)
	}

	logger.Info("embedding backend selected",
		slog.String("backend", inner.BackendID()),
		slog.Int("dimensions", inner.Dimensions()))
	return NewCachedEmbedder(inner, DefaultCacheSize), nil
}
