package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	a, err := e.Embed(ctx, "hybrid retrieval over a local knowledge base")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "hybrid retrieval over a local knowledge base")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, StaticDimensions)
}

func TestStaticEmbedderUnitNorm(t *testing.T) {
	e := NewStaticEmbedder()
	vec, err := e.Embed(context.Background(), "some nontrivial text about indexing")
	require.NoError(t, err)

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestStaticEmbedderEmptyTextIsZeroVector(t *testing.T) {
	e := NewStaticEmbedder()
	vec, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, StaticDimensions), vec)
}

func TestStaticEmbedderSimilarTextsCloser(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	auth, _ := e.Embed(ctx, "oauth token authentication flow")
	auth2, _ := e.Embed(ctx, "oauth authentication with tokens")
	cooking, _ := e.Embed(ctx, "sourdough bread baking temperature")

	assert.Greater(t, dot(auth, auth2), dot(auth, cooking))
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestStaticEmbedderBatchMatchesSingle(t *testing.T) {
	e := NewStaticEmbedder()
	ctx := context.Background()

	texts := []string{"first text", "second text", ""}
	batch, err := e.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	for i, text := range texts {
		single, err := e.Embed(ctx, text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}

func TestStaticEmbedderClosed(t *testing.T) {
	e := NewStaticEmbedder()
	require.NoError(t, e.Close())
	assert.False(t, e.Available(context.Background()))
	_, err := e.Embed(context.Background(), "text")
	assert.Error(t, err)
}
