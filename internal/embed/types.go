// Package embed turns chunk text into dense vectors for the semantic index.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultBatchSize is the number of texts sent per embedding request.
	DefaultBatchSize = 32

	// DefaultWarmTimeout applies once the model has served a recent request.
	DefaultWarmTimeout = 120 * time.Second

	// DefaultColdTimeout applies when the model may need loading first.
	DefaultColdTimeout = 180 * time.Second

	// ModelUnloadThreshold is how long Ollama keeps an idle model loaded.
	ModelUnloadThreshold = 5 * time.Minute

	// DefaultMaxRetries bounds retry attempts per embedding request.
	DefaultMaxRetries = 3

	// DefaultDimensions matches the default Ollama embedding model.
	DefaultDimensions = 768

	// StaticDimensions is the dimension of the hash-based fallback embedder.
	StaticDimensions = 256
)

// Embedder generates vector embeddings for text. All embeddings are
// unit-normalized so that cosine distance is well defined downstream.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
