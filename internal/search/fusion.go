// Package search is the hybrid retrieval engine: parallel dense and BM25
// search fused with Reciprocal Rank Fusion, optional LLM query expansion,
// and optional cross-encoder reranking.
package search

import (
	"sort"

	"github.com/quarry-kb/quarry/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter; k=60 is
// empirically validated across domains.
const DefaultRRFConstant = 60

// Default fusion weights favor the dense ranking.
const (
	DefaultSemanticWeight = 0.7
	DefaultLexicalWeight  = 0.3
)

// Weights are the per-source fusion weights.
type Weights struct {
	Semantic float64
	Lexical  float64
}

// DefaultWeights returns the standard 0.7/0.3 split.
func DefaultWeights() Weights {
	return Weights{Semantic: DefaultSemanticWeight, Lexical: DefaultLexicalWeight}
}

// FusedResult is one chunk after RRF fusion.
type FusedResult struct {
	Chunk         *store.Chunk
	RRFScore      float64
	SemanticRank  int     // 1-indexed, 0 if absent from the dense list
	LexicalRank   int     // 1-indexed, 0 if absent from the BM25 list
	SemanticScore float64 // cosine similarity, preserved for display
	LexicalScore  float64 // BM25 score, preserved for display
	InBothLists   bool
}

// RRFFusion combines dense and lexical rankings.
//
// score(d) = w_semantic/(k + rank_semantic) + w_lexical/(k + rank_lexical)
//
// A document absent from one list contributes nothing for that source;
// appearing in both lists is rewarded by summation alone.
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion instance; k <= 0 selects the default.
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse merges the two ranked lists. Results are sorted by RRF score, ties
// broken by semantic rank (present and smaller first), then chunk ID.
func (f *RRFFusion) Fuse(semantic []*store.VectorResult, lexical []*store.LexicalResult, w Weights) []*FusedResult {
	if len(semantic) == 0 && len(lexical) == 0 {
		return []*FusedResult{}
	}

	merged := make(map[string]*FusedResult, len(semantic)+len(lexical))

	for i, r := range semantic {
		fr := &FusedResult{
			Chunk:         r.Chunk,
			SemanticRank:  i + 1,
			SemanticScore: r.Similarity,
		}
		fr.RRFScore = w.Semantic / float64(f.K+fr.SemanticRank)
		merged[r.Chunk.ID] = fr
	}

	for i, r := range lexical {
		rank := i + 1
		if fr, ok := merged[r.Chunk.ID]; ok {
			fr.LexicalRank = rank
			fr.LexicalScore = r.Score
			fr.RRFScore += w.Lexical / float64(f.K+rank)
			fr.InBothLists = true
			continue
		}
		merged[r.Chunk.ID] = &FusedResult{
			Chunk:        r.Chunk,
			LexicalRank:  rank,
			LexicalScore: r.Score,
			RRFScore:     w.Lexical / float64(f.K+rank),
		}
	}

	results := make([]*FusedResult, 0, len(merged))
	for _, fr := range merged {
		results = append(results, fr)
	}
	sort.Slice(results, func(i, j int) bool {
		return compareFused(results[i], results[j])
	})
	return results
}

// compareFused reports whether a ranks before b.
func compareFused(a, b *FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	// Ties go to the better semantic rank; absent counts as worst.
	ar, br := a.SemanticRank, b.SemanticRank
	if ar == 0 {
		ar = int(^uint(0) >> 1)
	}
	if br == 0 {
		br = int(^uint(0) >> 1)
	}
	if ar != br {
		return ar < br
	}
	return a.Chunk.ID < b.Chunk.ID
}
