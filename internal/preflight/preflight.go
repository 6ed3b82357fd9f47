// Package preflight validates that a quarry installation can actually run:
// writable data paths, reachable model endpoints, and which optional
// features are live with the current configuration.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quarry-kb/quarry/internal/config"
	"github.com/quarry-kb/quarry/internal/embed"
	"github.com/quarry-kb/quarry/internal/llm"
	"github.com/quarry-kb/quarry/internal/search"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a degraded but usable state.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker runs preflight validation against a configuration.
type Checker struct{}

// New creates a Checker.
func New() *Checker {
	return &Checker{}
}

// RunAll runs every check and returns the results in display order.
func (c *Checker) RunAll(ctx context.Context, cfg *config.Config) []CheckResult {
	return []CheckResult{
		c.CheckDataPaths(cfg),
		c.CheckEmbedder(ctx, cfg.Embedding),
		c.CheckLLM(ctx, cfg.LLM),
		c.CheckReranker(ctx, cfg.Retrieval),
		c.CheckSearchProvider(cfg.Discovery),
		c.CheckTranscripts(cfg.Fetch),
	}
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus condenses results to "ready", "ready_with_warnings",
// or "failed".
func (c *Checker) SummaryStatus(results []CheckResult) string {
	summary := "ready"
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status == StatusWarn || r.Status == StatusFail {
			summary = "ready_with_warnings"
		}
	}
	return summary
}

// CheckDataPaths verifies the catalog and vector directories are writable.
func (c *Checker) CheckDataPaths(cfg *config.Config) CheckResult {
	result := CheckResult{Name: "data_paths", Required: true}

	for _, dir := range []string{filepath.Dir(cfg.Paths.CatalogDB), cfg.Paths.VectorDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
			return result
		}
		probe := filepath.Join(dir, ".quarry-preflight")
		f, err := os.Create(probe)
		if err != nil {
			result.Status = StatusFail
			result.Message = fmt.Sprintf("cannot write to %s: %v", dir, err)
			return result
		}
		_ = f.Close()
		_ = os.Remove(probe)
	}

	result.Status = StatusPass
	result.Message = "writable"
	return result
}

// CheckEmbedder verifies the embedding provider is reachable. Not required
// since the static provider always works offline.
func (c *Checker) CheckEmbedder(ctx context.Context, cfg config.EmbeddingConfig) CheckResult {
	result := CheckResult{Name: "embeddings"}

	embedder, err := embed.NewFromConfig(ctx, cfg)
	if err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		return result
	}
	defer func() { _ = embedder.Close() }()

	if !embedder.Available(ctx) {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s unreachable; configure provider 'static' for offline use", cfg.OllamaHost)
		return result
	}
	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s (%d dims)", embedder.ModelName(), embedder.Dimensions())
	return result
}

// CheckLLM verifies the generation endpoint used for query expansion,
// discovery, and enrichment.
func (c *Checker) CheckLLM(ctx context.Context, cfg config.LLMConfig) CheckResult {
	result := CheckResult{Name: "llm"}

	if cfg.Host == "" {
		result.Status = StatusWarn
		result.Message = "disabled: query expansion and metadata enrichment off"
		return result
	}
	client := llm.NewClient(llm.Config{Host: cfg.Host, Timeout: cfg.Timeout.Std()})
	defer func() { _ = client.Close() }()

	if !client.Available(ctx) {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s unreachable", cfg.Host)
		return result
	}
	result.Status = StatusPass
	result.Message = cfg.Host
	return result
}

// CheckReranker verifies the cross-encoder endpoint.
func (c *Checker) CheckReranker(ctx context.Context, cfg config.RetrievalConfig) CheckResult {
	result := CheckResult{Name: "reranker"}

	if cfg.RerankerEndpoint == "" {
		result.Status = StatusWarn
		result.Message = "disabled: results use fused ranking only"
		return result
	}
	r := search.NewHTTPReranker(cfg.RerankerEndpoint, 0)
	defer func() { _ = r.Close() }()

	if !r.Available(ctx) {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("%s unreachable", cfg.RerankerEndpoint)
		return result
	}
	result.Status = StatusPass
	result.Message = cfg.RerankerEndpoint
	return result
}

// CheckSearchProvider reports whether topic discovery is configured.
func (c *Checker) CheckSearchProvider(cfg config.DiscoveryConfig) CheckResult {
	result := CheckResult{Name: "discovery"}

	if cfg.SearchEndpoint == "" {
		result.Status = StatusWarn
		result.Message = "no search endpoint: 'add' accepts direct URLs only"
		return result
	}
	result.Status = StatusPass
	result.Message = cfg.SearchEndpoint
	return result
}

// CheckTranscripts reports whether video ingestion is configured.
func (c *Checker) CheckTranscripts(cfg config.FetchConfig) CheckResult {
	result := CheckResult{Name: "transcripts"}

	if cfg.TranscriptEndpoint == "" {
		result.Status = StatusWarn
		result.Message = "no transcript endpoint: video sources are skipped"
		return result
	}
	result.Status = StatusPass
	result.Message = cfg.TranscriptEndpoint
	return result
}
