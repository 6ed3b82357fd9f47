package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quarry-kb/quarry/internal/embed"
	"github.com/quarry-kb/quarry/internal/llm"
	"github.com/quarry-kb/quarry/internal/store"
)

const (
	// DefaultLimit is the result count when the caller does not specify.
	DefaultLimit = 10

	// MaxLimit caps the result count.
	MaxLimit = 100

	// MinCandidates floors the per-source candidate pool.
	MinCandidates = 20

	// DefaultSimilarityThreshold filters weak dense-only matches.
	DefaultSimilarityThreshold = 0.3

	// maxExpandTokens bounds queries eligible for LLM expansion; longer
	// queries carry enough terms already.
	maxExpandTokens = 15

	// maxRerankPassages bounds cross-encoder input for latency.
	maxRerankPassages = 50
)

// Score kinds reported on results, so callers know which scale applies.
const (
	ScoreCosine = "cosine_similarity"
	ScoreBM25   = "bm25"
	ScoreRRF    = "rrf"
	ScoreRerank = "rerank"
)

// Result is one retrieval hit.
type Result struct {
	Chunk     *store.Chunk
	Score     float64
	ScoreKind string
}

// Options configures one query.
type Options struct {
	Limit        int
	Filter       store.Filter
	SemanticOnly bool
	LexicalOnly  bool
	NoRerank     bool
	NoExpand     bool
}

// Generator is the LLM surface used for query expansion.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Config tunes the engine.
type Config struct {
	RRFConstant         int
	Weights             Weights
	SimilarityThreshold float64
	ExpandModel         string
}

// Engine runs hybrid retrieval over the shared vector and lexical indexes.
type Engine struct {
	vectors  *store.VectorIndex
	lexical  *store.LexicalIndex
	embedder embed.Embedder
	fusion   *RRFFusion
	gen      Generator // nil disables expansion
	reranker Reranker  // nil disables reranking
	cfg      Config
	log      *slog.Logger

	rebuildMu sync.Mutex
}

// New creates a retrieval engine. Generator and reranker are optional.
func New(vectors *store.VectorIndex, lexical *store.LexicalIndex, embedder embed.Embedder,
	gen Generator, reranker Reranker, cfg Config) *Engine {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return &Engine{
		vectors:  vectors,
		lexical:  lexical,
		embedder: embedder,
		fusion:   NewRRFFusion(cfg.RRFConstant),
		gen:      gen,
		reranker: reranker,
		cfg:      cfg,
		log:      slog.Default().With("component", "search"),
	}
}

// Search runs one hybrid query. Dense and lexical retrieval run in
// parallel; their rankings are fused and the top candidates optionally
// reranked. Reranker unavailability degrades to the fused order and never
// fails the query.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []*Result{}, nil
	}
	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	k := max(2*limit, MinCandidates)

	// Both legs retrieve with the same (possibly expanded) query; only
	// reranking sees the user's original wording.
	searchQuery := query
	if !opts.NoExpand {
		searchQuery = e.expandQuery(ctx, query)
	}

	var (
		semantic []*store.VectorResult
		lexical  []*store.LexicalResult
	)
	g, gctx := errgroup.WithContext(ctx)
	if !opts.LexicalOnly {
		g.Go(func() error {
			vec, err := e.embedder.Embed(gctx, searchQuery)
			if err != nil {
				return err
			}
			res, err := e.vectors.Search(gctx, vec, k, opts.Filter)
			if err != nil {
				return err
			}
			semantic = res
			return nil
		})
	}
	if !opts.SemanticOnly {
		g.Go(func() error {
			if err := e.ensureLexical(gctx); err != nil {
				return err
			}
			res, err := e.lexical.Search(gctx, searchQuery, k)
			if err != nil {
				return err
			}
			lexical = filterLexical(res, opts.Filter)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := e.assemble(semantic, lexical, opts)
	results = e.maybeRerank(ctx, query, results, opts)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// assemble converts the raw rankings into scored results for the active
// mode. The similarity threshold applies only to dense-only retrieval
// that will not be reranked, where the score is directly interpretable.
func (e *Engine) assemble(semantic []*store.VectorResult,
	lexical []*store.LexicalResult, opts Options) []*Result {
	switch {
	case opts.SemanticOnly:
		threshold := e.cfg.SimilarityThreshold
		if e.reranker != nil && !opts.NoRerank {
			threshold = 0
		}
		out := make([]*Result, 0, len(semantic))
		for _, r := range semantic {
			if r.Similarity < threshold {
				continue
			}
			out = append(out, &Result{Chunk: r.Chunk, Score: r.Similarity, ScoreKind: ScoreCosine})
		}
		return out
	case opts.LexicalOnly:
		out := make([]*Result, 0, len(lexical))
		for _, r := range lexical {
			out = append(out, &Result{Chunk: r.Chunk, Score: r.Score, ScoreKind: ScoreBM25})
		}
		return out
	default:
		fused := e.fusion.Fuse(semantic, lexical, e.cfg.Weights)
		out := make([]*Result, 0, len(fused))
		for _, fr := range fused {
			out = append(out, &Result{Chunk: fr.Chunk, Score: fr.RRFScore, ScoreKind: ScoreRRF})
		}
		return out
	}
}

// maybeRerank rescores the top candidates with the cross-encoder. Any
// failure keeps the pre-rerank order.
func (e *Engine) maybeRerank(ctx context.Context, query string, results []*Result, opts Options) []*Result {
	if e.reranker == nil || opts.NoRerank || len(results) == 0 {
		return results
	}
	if !e.reranker.Available(ctx) {
		e.log.Warn("reranker unavailable, keeping fused order")
		return results
	}

	n := min(len(results), maxRerankPassages)
	passages := make([]string, n)
	for i := 0; i < n; i++ {
		passages[i] = results[i].Chunk.Text
	}
	scored, err := e.reranker.Rerank(ctx, query, passages, 0)
	if err != nil {
		e.log.Warn("rerank failed, keeping fused order", "error", err)
		return results
	}

	reranked := make([]*Result, 0, len(results))
	for _, rr := range scored {
		reranked = append(reranked, &Result{
			Chunk:     results[rr.Index].Chunk,
			Score:     rr.Score,
			ScoreKind: ScoreRerank,
		})
	}
	// Candidates beyond the rerank window keep their fused order.
	reranked = append(reranked, results[n:]...)
	return reranked
}

// expandQuery asks the LLM for an expanded term line; short queries only.
// Failures keep the original query.
func (e *Engine) expandQuery(ctx context.Context, query string) string {
	if e.gen == nil || len(strings.Fields(query)) > maxExpandTokens {
		return query
	}
	response, err := e.gen.Generate(ctx, e.cfg.ExpandModel, llm.ExpandPrompt(query))
	if err != nil {
		e.log.Warn("query expansion failed", "error", err)
		return query
	}
	lines := llm.ParseQueryLines(response, 1)
	if len(lines) == 0 || lines[0] == "" {
		return query
	}
	return lines[0]
}

// ensureLexical rebuilds the in-memory BM25 index from the vector store's
// chunk payloads when ingestion has dirtied it.
func (e *Engine) ensureLexical(ctx context.Context) error {
	if !e.lexical.NeedsRebuild() {
		return nil
	}
	e.rebuildMu.Lock()
	defer e.rebuildMu.Unlock()
	if !e.lexical.NeedsRebuild() {
		return nil
	}
	chunks, err := e.vectors.AllChunks(ctx)
	if err != nil {
		return err
	}
	return e.lexical.Rebuild(ctx, chunks)
}

func filterLexical(results []*store.LexicalResult, f store.Filter) []*store.LexicalResult {
	if len(f) == 0 {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if f.Matches(r.Chunk) {
			out = append(out, r)
		}
	}
	return out
}
