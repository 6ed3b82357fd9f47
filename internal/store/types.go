// Package store provides the persistence layer for indexed content: an
// HNSW vector index with SQLite chunk payloads, and an in-memory BM25
// lexical index over the same corpus.
package store

import (
	"fmt"
	"time"
)

// Difficulty levels assigned by the enricher.
const (
	DifficultyBeginner     = "beginner"
	DifficultyIntermediate = "intermediate"
	DifficultyAdvanced     = "advanced"
)

// Chunk is the unit of embedding and retrieval: one passage of a fetched
// document together with its provenance, content validators, and enriched
// metadata. All chunks sharing a DocumentID share SourceURL, ContentHash,
// and the validator fields.
type Chunk struct {
	ID          string // UUID
	DocumentID  string // hash of the source URL; groups a URL's chunks
	ChunkIndex  int
	TotalChunks int

	Embedding []float32
	Text      string

	SourceURL string
	Kind      string
	Domain    string

	// Content validators for cheap change detection.
	ContentHash      string
	HTTPLastModified string
	HTTPETag         string
	CommitID         string

	// Enriched metadata (empty when enrichment degraded).
	Topics     []string
	Keywords   []string
	Summary    string
	Concepts   []string
	Difficulty string
	Languages  []string
	Frameworks []string

	// SegmentStart is the timestamp (seconds) of the first transcript
	// segment in a video chunk; zero otherwise.
	SegmentStart float64

	FetchedAt time.Time
}

// Metadata returns the chunk's filterable/display metadata as a flat map,
// the shape handed back to search callers.
func (c *Chunk) Metadata() map[string]any {
	return map[string]any{
		"document_id":  c.DocumentID,
		"chunk_index":  c.ChunkIndex,
		"total_chunks": c.TotalChunks,
		"source_url":   c.SourceURL,
		"kind":         c.Kind,
		"domain":       c.Domain,
		"topics":       c.Topics,
		"keywords":     c.Keywords,
		"summary":      c.Summary,
		"concepts":     c.Concepts,
		"difficulty":   c.Difficulty,
		"languages":    c.Languages,
		"frameworks":   c.Frameworks,
	}
}

// Filter restricts vector search results by metadata equality.
// Supported keys: kind, domain, source_url, difficulty.
type Filter map[string]string

// Matches reports whether a chunk satisfies every filter clause.
func (f Filter) Matches(c *Chunk) bool {
	for key, want := range f {
		var got string
		switch key {
		case "kind":
			got = c.Kind
		case "domain":
			got = c.Domain
		case "source_url":
			got = c.SourceURL
		case "difficulty":
			got = c.Difficulty
		default:
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

// VectorResult is a single dense-search hit.
// Distance is 1 - cosine_similarity (0 identical, 2 opposite); Similarity
// is the display/threshold form 1/(1+distance).
type VectorResult struct {
	Chunk      *Chunk
	Distance   float32
	Similarity float64
}

// SimilarityFromDistance converts a cosine distance to the similarity score
// used for thresholding and display.
func SimilarityFromDistance(d float32) float64 {
	return 1.0 / (1.0 + float64(d))
}

// LexicalResult is a single BM25 hit.
type LexicalResult struct {
	Chunk *Chunk
	Score float64
}

// Stats summarizes the vector index for status reporting.
type Stats struct {
	ChunkCount    int
	DocumentCount int
	Dimensions    int
}

// ErrDimensionMismatch indicates vector dimension mismatch between the
// index and an embedder. Changing dimensions requires a full rebuild.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: index has %d, got %d (a full reindex is required)", e.Expected, e.Got)
}
