package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lexChunk(text string) *Chunk {
	return &Chunk{
		ID:          uuid.NewString(),
		DocumentID:  "doc",
		TotalChunks: 1,
		Text:        text,
		SourceURL:   "https://example.org",
		Kind:        "web_page",
		Domain:      "example.org",
	}
}

func TestLexicalSearchRanksKeywordMatches(t *testing.T) {
	l := NewLexicalIndex()
	defer func() { _ = l.Close() }()
	ctx := context.Background()

	oauth := lexChunk("OAuth 2.0 token endpoints issue access tokens for authorization")
	cooking := lexChunk("A guide to baking sourdough bread at home")
	require.NoError(t, l.Rebuild(ctx, []*Chunk{oauth, cooking}))

	results, err := l.Search(ctx, "oauth token authorization", 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, oauth.ID, results[0].Chunk.ID)
	assert.Greater(t, results[0].Score, 0.0)

	for _, r := range results {
		assert.NotEqual(t, cooking.ID, r.Chunk.ID)
	}
}

func TestLexicalSearchBeforeBuildIsEmpty(t *testing.T) {
	l := NewLexicalIndex()
	results, err := l.Search(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLexicalCaseInsensitive(t *testing.T) {
	l := NewLexicalIndex()
	defer func() { _ = l.Close() }()
	ctx := context.Background()

	c := lexChunk("Kubernetes Deployment rollout strategies")
	require.NoError(t, l.Rebuild(ctx, []*Chunk{c}))

	results, err := l.Search(ctx, "KUBERNETES deployment", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, c.ID, results[0].Chunk.ID)
}

func TestDirtyTracking(t *testing.T) {
	l := NewLexicalIndex()
	defer func() { _ = l.Close() }()
	ctx := context.Background()

	assert.True(t, l.NeedsRebuild()) // never built

	require.NoError(t, l.Rebuild(ctx, []*Chunk{lexChunk("hello world")}))
	assert.False(t, l.NeedsRebuild())
	assert.Equal(t, 1, l.DocCount())

	l.MarkDirty(1)
	assert.True(t, l.NeedsRebuild())

	require.NoError(t, l.Rebuild(ctx, []*Chunk{lexChunk("hello world"), lexChunk("goodbye")}))
	assert.False(t, l.NeedsRebuild())
	assert.Equal(t, 2, l.DocCount())
}

func TestRebuildReplacesCorpus(t *testing.T) {
	l := NewLexicalIndex()
	defer func() { _ = l.Close() }()
	ctx := context.Background()

	old := lexChunk("ancient forgotten content")
	require.NoError(t, l.Rebuild(ctx, []*Chunk{old}))

	fresh := lexChunk("brand new material")
	require.NoError(t, l.Rebuild(ctx, []*Chunk{fresh}))

	results, err := l.Search(ctx, "ancient forgotten", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
