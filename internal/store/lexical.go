package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// LexicalIndex is the in-memory BM25 keyword index over the chunk corpus.
// It is rebuilt from the vector index's stored chunks (cheap at this
// system's single-host scale) and invalidated by writes; rebuilds happen
// lazily on the next search once the dirty counter passes the threshold.
type LexicalIndex struct {
	mu        sync.RWMutex
	index     bleve.Index
	chunks    map[string]*Chunk
	dirty     int
	threshold int
}

// DefaultDirtyThreshold is the number of corpus mutations tolerated before
// the next search forces a rebuild.
const DefaultDirtyThreshold = 1

type lexicalDoc struct {
	Text string `json:"text"`
}

// NewLexicalIndex creates an empty lexical index.
func NewLexicalIndex() *LexicalIndex {
	return &LexicalIndex{
		chunks:    make(map[string]*Chunk),
		threshold: DefaultDirtyThreshold,
	}
}

func lexicalMapping() mapping.IndexMapping {
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("text", textField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Rebuild replaces the index contents with the given corpus.
func (l *LexicalIndex) Rebuild(ctx context.Context, chunks []*Chunk) error {
	idx, err := bleve.NewMemOnly(lexicalMapping())
	if err != nil {
		return fmt.Errorf("creating lexical index: %w", err)
	}

	batch := idx.NewBatch()
	byID := make(map[string]*Chunk, len(chunks))
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			_ = idx.Close()
			return err
		}
		if err := batch.Index(c.ID, lexicalDoc{Text: c.Text}); err != nil {
			_ = idx.Close()
			return fmt.Errorf("indexing chunk %s: %w", c.ID, err)
		}
		byID[c.ID] = c
	}
	if err := idx.Batch(batch); err != nil {
		_ = idx.Close()
		return fmt.Errorf("committing lexical batch: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index != nil {
		_ = l.index.Close()
	}
	l.index = idx
	l.chunks = byID
	l.dirty = 0
	return nil
}

// Search returns the top-k chunks for a keyword query, scored by bleve.
// Returns an empty slice when the index has not been built.
func (l *LexicalIndex) Search(ctx context.Context, query string, k int) ([]*LexicalResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.index == nil || k <= 0 {
		return []*LexicalResult{}, nil
	}

	mq := bleve.NewMatchQuery(query)
	mq.Analyzer = standard.Name
	req := bleve.NewSearchRequestOptions(mq, k, 0, false)

	res, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	results := make([]*LexicalResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		chunk, ok := l.chunks[hit.ID]
		if !ok {
			continue
		}
		results = append(results, &LexicalResult{Chunk: chunk, Score: hit.Score})
	}
	return results, nil
}

// MarkDirty records n corpus mutations since the last rebuild.
func (l *LexicalIndex) MarkDirty(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirty += n
}

// NeedsRebuild reports whether the index is stale enough (or empty) that
// the next search should rebuild it first.
func (l *LexicalIndex) NeedsRebuild() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index == nil || l.dirty >= l.threshold
}

// DocCount returns the number of indexed chunks.
func (l *LexicalIndex) DocCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chunks)
}

// Close releases the underlying bleve index.
func (l *LexicalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index == nil {
		return nil
	}
	err := l.index.Close()
	l.index = nil
	return err
}
