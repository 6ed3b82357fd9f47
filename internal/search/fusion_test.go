package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-kb/quarry/internal/store"
)

func chunkWithID(id string) *store.Chunk {
	return &store.Chunk{ID: id, Text: "text " + id}
}

func TestFuseSumsWeightedReciprocalRanks(t *testing.T) {
	a, b, c := chunkWithID("a"), chunkWithID("b"), chunkWithID("c")
	semantic := []*store.VectorResult{
		{Chunk: a, Similarity: 0.9},
		{Chunk: b, Similarity: 0.8},
	}
	lexical := []*store.LexicalResult{
		{Chunk: b, Score: 4.2},
		{Chunk: c, Score: 1.1},
	}

	fused := NewRRFFusion(0).Fuse(semantic, lexical, DefaultWeights())
	require.Len(t, fused, 3)

	// b appears in both lists and outranks a, which leads the dense list.
	assert.Equal(t, "b", fused[0].Chunk.ID)
	assert.True(t, fused[0].InBothLists)
	assert.InDelta(t, 0.7/62+0.3/61, fused[0].RRFScore, 1e-12)

	assert.Equal(t, "a", fused[1].Chunk.ID)
	assert.InDelta(t, 0.7/61, fused[1].RRFScore, 1e-12)

	// Absent from the dense list contributes nothing for that source.
	assert.Equal(t, "c", fused[2].Chunk.ID)
	assert.InDelta(t, 0.3/62, fused[2].RRFScore, 1e-12)
	assert.Zero(t, fused[2].SemanticRank)
}

func TestFuseEmptyInputs(t *testing.T) {
	fused := NewRRFFusion(60).Fuse(nil, nil, DefaultWeights())
	assert.NotNil(t, fused)
	assert.Empty(t, fused)
}

func TestFuseTieBreaksBySemanticRank(t *testing.T) {
	x, y := chunkWithID("x"), chunkWithID("y")
	semantic := []*store.VectorResult{{Chunk: x, Similarity: 0.5}}
	lexical := []*store.LexicalResult{{Chunk: y, Score: 2.0}}

	// Equal weights at equal ranks produce a score tie.
	fused := NewRRFFusion(60).Fuse(semantic, lexical, Weights{Semantic: 0.5, Lexical: 0.5})
	require.Len(t, fused, 2)
	assert.Equal(t, "x", fused[0].Chunk.ID, "semantic presence wins the tie")
}

func TestFusePreservesSourceScores(t *testing.T) {
	a := chunkWithID("a")
	fused := NewRRFFusion(60).Fuse(
		[]*store.VectorResult{{Chunk: a, Similarity: 0.83}},
		[]*store.LexicalResult{{Chunk: a, Score: 7.5}},
		DefaultWeights())
	require.Len(t, fused, 1)
	assert.InDelta(t, 0.83, fused[0].SemanticScore, 1e-9)
	assert.InDelta(t, 7.5, fused[0].LexicalScore, 1e-9)
	assert.Equal(t, 1, fused[0].SemanticRank)
	assert.Equal(t, 1, fused[0].LexicalRank)
}
