package embed

import (
	"context"
	"fmt"

	"github.com/quarry-kb/quarry/internal/config"
)

// NewFromConfig builds the configured embedder, wrapped in the LRU cache.
func NewFromConfig(ctx context.Context, cfg config.EmbeddingConfig) (Embedder, error) {
	var inner Embedder
	switch cfg.Provider {
	case "", "ollama":
		e, err := NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		inner = e
	case "static":
		inner = NewStaticEmbedder()
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	if cfg.CacheSize == 0 {
		return inner, nil
	}
	return NewCachedEmbedder(inner, cfg.CacheSize), nil
}
