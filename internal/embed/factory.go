package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Aman-CERP/lexsearch/internal/config"
)

// Provider names accepted in embeddings.provider.
const (
	ProviderStatic = "static"
	ProviderOllama = "ollama"
)

// New builds the configured embedder wrapped in an LRU cache. Dimensions
// applies to the static provider; Ollama reports its own.
func New(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	var inner Embedder

	switch strings.ToLower(cfg.Provider) {
	case "", ProviderStatic:
		inner = NewStaticEmbedder(cfg.Dimensions)
	case ProviderOllama:
		e, err := NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.Host,
			Model:      cfg.Model,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			RateLimit:  cfg.RateLimit,
		})
		if err != nil {
			return nil, err
		}
		inner = e
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}

	slog.Debug("embedder_ready",
		slog.String("provider", cfg.Provider),
		slog.String("model", inner.ModelName()),
		slog.Int("dimensions", inner.Dimensions()))

	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
