// Package enrich attaches LLM-derived metadata to chunks: topics,
// keywords, a short summary, named concepts, difficulty, and mentioned
// languages and frameworks.
package enrich

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	qerrors "github.com/quarry-kb/quarry/internal/errors"
	"github.com/quarry-kb/quarry/internal/llm"
	"github.com/quarry-kb/quarry/internal/store"
)

// DefaultWorkers is the enrichment concurrency per document.
const DefaultWorkers = 2

// maxPassageChars bounds the text sent to the model; metadata quality
// plateaus well below this and long prompts slow small models badly.
const maxPassageChars = 4000

// Generator is the LLM surface the enricher needs.
type Generator interface {
	GenerateJSON(ctx context.Context, model, prompt string) (string, error)
}

// Enricher labels chunks with retrieval metadata.
type Enricher struct {
	gen     Generator
	model   string
	workers int
	log     *slog.Logger
}

// Metadata is the parsed enrichment payload.
type Metadata struct {
	Topics     []string `json:"topics"`
	Keywords   []string `json:"keywords"`
	Summary    string   `json:"summary"`
	Concepts   []string `json:"concepts"`
	Difficulty string   `json:"difficulty"`
	Languages  []string `json:"languages"`
	Frameworks []string `json:"frameworks"`
}

// New creates an enricher using the given model.
func New(gen Generator, model string, workers int) *Enricher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Enricher{
		gen:     gen,
		model:   model,
		workers: workers,
		log:     slog.Default().With("component", "enrich"),
	}
}

// EnrichChunk labels a single chunk in place. A response that fails
// validation degrades to empty metadata with a warning; enrichment
// failures never fail the document.
func (e *Enricher) EnrichChunk(ctx context.Context, chunk *store.Chunk) {
	text := truncatePassage(chunk.Text, maxPassageChars)

	response, err := e.gen.GenerateJSON(ctx, e.model, llm.EnrichPrompt(chunk.SourceURL, text))
	if err != nil {
		e.log.Warn("enrichment generation failed, leaving chunk unlabeled",
			"chunk_id", chunk.ID, "source_url", chunk.SourceURL, "error", err)
		return
	}

	var meta Metadata
	if err := llm.ExtractJSON(response, &meta); err != nil {
		e.log.Warn("enrichment response failed validation, leaving chunk unlabeled",
			"chunk_id", chunk.ID,
			"prompt_version", llm.EnrichPromptVersion,
			"category", qerrors.CategoryOf(err),
			"error", err)
		return
	}

	apply(chunk, meta)
}

// EnrichAll labels chunks concurrently with the configured worker count.
func (e *Enricher) EnrichAll(ctx context.Context, chunks []*store.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			e.EnrichChunk(gctx, chunk)
			return nil
		})
	}
	return g.Wait()
}

// truncatePassage cuts text to at most max bytes without splitting a
// multi-byte rune; a torn rune would hand the model invalid UTF-8.
func truncatePassage(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func apply(chunk *store.Chunk, meta Metadata) {
	chunk.Topics = cleanList(meta.Topics, 5)
	chunk.Keywords = cleanList(meta.Keywords, 10)
	chunk.Summary = strings.TrimSpace(meta.Summary)
	chunk.Concepts = cleanList(meta.Concepts, 5)
	chunk.Languages = cleanList(meta.Languages, 10)
	chunk.Frameworks = cleanList(meta.Frameworks, 10)
	chunk.Difficulty = normalizeDifficulty(meta.Difficulty)
}

func normalizeDifficulty(d string) string {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "beginner":
		return store.DifficultyBeginner
	case "intermediate":
		return store.DifficultyIntermediate
	case "advanced":
		return store.DifficultyAdvanced
	default:
		return ""
	}
}

func cleanList(items []string, max int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, item := range items {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
		if len(out) >= max {
			break
		}
	}
	return out
}
