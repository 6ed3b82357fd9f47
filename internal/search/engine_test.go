package search

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-kb/quarry/internal/embed"
	"github.com/quarry-kb/quarry/internal/store"
)

type fakeGen struct {
	response string
	calls    int
}

func (f *fakeGen) Generate(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.response, nil
}

type scriptedReranker struct {
	available bool
	err       error
	score     func(passage string) float64
	calls     int
}

func (r *scriptedReranker) Rerank(_ context.Context, _ string, passages []string, topK int) ([]RerankResult, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	results := make([]RerankResult, len(passages))
	for i, p := range passages {
		results[i] = RerankResult{Index: i, Score: r.score(p)}
	}
	// Selection by score descending, stable.
	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Score > results[i].Score {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (r *scriptedReranker) Available(_ context.Context) bool { return r.available }
func (r *scriptedReranker) Close() error                     { return nil }

var corpus = []struct {
	id, kind, text string
}{
	{"c1", "web_page", "goroutine scheduling and channel synchronization in the go runtime"},
	{"c2", "repo", "baking sourdough bread with a wild yeast starter at home"},
	{"c3", "doc_site_page", "postgres query planner statistics and index selection"},
}

// spyEmbedder records the queries handed to the dense leg.
type spyEmbedder struct {
	embed.Embedder
	queries []string
}

func (s *spyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.queries = append(s.queries, text)
	return s.Embedder.Embed(ctx, text)
}

func newEngine(t *testing.T, gen Generator, reranker Reranker) *Engine {
	t.Helper()
	embedder := embed.NewStaticEmbedder()
	vectors, err := store.OpenVectorIndex(t.TempDir(), embed.StaticDimensions)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	ctx := context.Background()
	chunks := make([]*store.Chunk, 0, len(corpus))
	for _, c := range corpus {
		vec, err := embedder.Embed(ctx, c.text)
		require.NoError(t, err)
		chunks = append(chunks, &store.Chunk{
			ID:         c.id,
			DocumentID: "doc-" + c.id,
			SourceURL:  "https://example.org/" + c.id,
			Kind:       c.kind,
			Text:       c.text,
			Embedding:  vec,
		})
	}
	require.NoError(t, vectors.Add(ctx, chunks))

	lexical := store.NewLexicalIndex()
	t.Cleanup(func() { _ = lexical.Close() })

	return New(vectors, lexical, embedder, gen, reranker, Config{})
}

func TestHybridSearchRanksRelevantFirst(t *testing.T) {
	e := newEngine(t, nil, nil)

	results, err := e.Search(context.Background(), "goroutine channel scheduling", Options{Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c1", results[0].Chunk.ID)
	for _, r := range results {
		assert.Equal(t, ScoreRRF, r.ScoreKind)
	}
}

func TestSemanticOnlyReportsCosine(t *testing.T) {
	e := newEngine(t, nil, nil)

	results, err := e.Search(context.Background(), "goroutine channel scheduling",
		Options{SemanticOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c1", results[0].Chunk.ID)
	for _, r := range results {
		assert.Equal(t, ScoreCosine, r.ScoreKind)
		assert.GreaterOrEqual(t, r.Score, DefaultSimilarityThreshold)
	}
}

func TestLexicalOnlyReportsBM25(t *testing.T) {
	e := newEngine(t, nil, nil)

	results, err := e.Search(context.Background(), "sourdough yeast", Options{LexicalOnly: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c2", results[0].Chunk.ID)
	for _, r := range results {
		assert.Equal(t, ScoreBM25, r.ScoreKind)
	}
}

func TestFilterRestrictsResults(t *testing.T) {
	e := newEngine(t, nil, nil)

	results, err := e.Search(context.Background(), "sourdough bread",
		Options{Filter: store.Filter{"kind": "repo"}})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "repo", r.Chunk.Kind)
	}
}

func TestExpansionOnlyForShortQueries(t *testing.T) {
	gen := &fakeGen{response: "goroutine channel scheduling concurrency runtime"}
	e := newEngine(t, gen, nil)
	ctx := context.Background()

	_, err := e.Search(ctx, "goroutine scheduling", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)

	long := strings.Repeat("scheduling ", 16)
	_, err = e.Search(ctx, long, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls, "long queries skip expansion")

	_, err = e.Search(ctx, "goroutine scheduling", Options{NoExpand: true})
	require.NoError(t, err)
	assert.Equal(t, 1, gen.calls)
}

func TestExpansionFeedsBothLegs(t *testing.T) {
	gen := &fakeGen{response: "goroutine channel scheduling runtime concurrency"}
	spy := &spyEmbedder{Embedder: embed.NewStaticEmbedder()}
	e := newEngine(t, gen, nil)
	e.embedder = spy
	ctx := context.Background()

	_, err := e.Search(ctx, "goroutine scheduling", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, spy.queries)
	assert.Equal(t, gen.response, spy.queries[len(spy.queries)-1],
		"dense leg embeds the expanded query")

	spy.queries = nil
	_, err = e.Search(ctx, "goroutine scheduling", Options{SemanticOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 2, gen.calls, "semantic-only queries still expand")
	require.NotEmpty(t, spy.queries)
	assert.Equal(t, gen.response, spy.queries[len(spy.queries)-1])
}

func TestRerankReordersResults(t *testing.T) {
	rr := &scriptedReranker{
		available: true,
		score: func(p string) float64 {
			if strings.Contains(p, "sourdough") {
				return 1.0
			}
			return 0.1
		},
	}
	e := newEngine(t, nil, rr)

	results, err := e.Search(context.Background(), "goroutine channel scheduling", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, 1, rr.calls)
	assert.Equal(t, "c2", results[0].Chunk.ID, "cross-encoder order wins")
	assert.Equal(t, ScoreRerank, results[0].ScoreKind)
}

func TestRerankerUnavailableKeepsFusedOrder(t *testing.T) {
	rr := &scriptedReranker{available: false}
	e := newEngine(t, nil, rr)

	results, err := e.Search(context.Background(), "goroutine channel scheduling", Options{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Zero(t, rr.calls)
	assert.Equal(t, "c1", results[0].Chunk.ID)
	assert.Equal(t, ScoreRRF, results[0].ScoreKind)
}

func TestRerankErrorKeepsFusedOrder(t *testing.T) {
	rr := &scriptedReranker{
		available: true,
		err:       assert.AnError,
	}
	e := newEngine(t, nil, rr)

	results, err := e.Search(context.Background(), "goroutine channel scheduling", Options{})
	require.NoError(t, err, "rerank failure never fails the query")
	require.NotEmpty(t, results)
	assert.Equal(t, ScoreRRF, results[0].ScoreKind)
}

func TestEmptyQueryReturnsEmpty(t *testing.T) {
	e := newEngine(t, nil, nil)
	results, err := e.Search(context.Background(), "   ", Options{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestLimitCapsResults(t *testing.T) {
	e := newEngine(t, nil, nil)
	results, err := e.Search(context.Background(), "goroutine postgres sourdough", Options{Limit: 1})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 1)
}
