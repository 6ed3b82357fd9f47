package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

// RerankResult is one scored query-passage pair.
type RerankResult struct {
	// Index is the passage's position in the input slice.
	Index int
	// Score is the cross-encoder relevance score.
	Score float64
}

// Reranker reorders candidate passages with a cross-encoder, which scores
// each (query, passage) pair jointly and more accurately than the
// bi-encoder embeddings, at higher cost.
type Reranker interface {
	// Rerank scores the passages against the query and returns results
	// sorted by score descending. topK of 0 returns all.
	Rerank(ctx context.Context, query string, passages []string, topK int) ([]RerankResult, error)

	// Available reports whether the reranker can serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// NoOpReranker preserves the input order. Used when reranking is disabled.
type NoOpReranker struct{}

var _ Reranker = (*NoOpReranker)(nil)

// Rerank returns passages in original order with decreasing scores.
func (n *NoOpReranker) Rerank(_ context.Context, _ string, passages []string, topK int) ([]RerankResult, error) {
	results := make([]RerankResult, len(passages))
	for i := range passages {
		results[i] = RerankResult{Index: i, Score: 1.0 - float64(i)*0.01}
	}
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Available always reports true.
func (n *NoOpReranker) Available(_ context.Context) bool { return true }

// Close is a no-op.
func (n *NoOpReranker) Close() error { return nil }

// DefaultRerankTimeout bounds one scoring request.
const DefaultRerankTimeout = 30 * time.Second

// HTTPReranker scores pairs through a local cross-encoder service
// (POST /rerank with the query and passages, scores back in input order).
type HTTPReranker struct {
	client   *http.Client
	endpoint string
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker creates a reranker for the given service endpoint.
func NewHTTPReranker(endpoint string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = DefaultRerankTimeout
	}
	return &HTTPReranker{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
	}
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank sends the pairs to the scoring service.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []string, topK int) ([]RerankResult, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(rerankRequest{Query: query, Passages: passages})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeNetworkTimeout, "reranker unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, qerrors.New(qerrors.ErrCodeServerError,
			fmt.Sprintf("reranker returned %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeNetworkTimeout, "reading reranker response", err)
	}
	var parsed rerankResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeServerError, "invalid reranker response", err)
	}
	if len(parsed.Scores) != len(passages) {
		return nil, qerrors.New(qerrors.ErrCodeServerError,
			fmt.Sprintf("reranker returned %d scores for %d passages", len(parsed.Scores), len(passages)), nil)
	}

	results := make([]RerankResult, len(parsed.Scores))
	for i, s := range parsed.Scores {
		results[i] = RerankResult{Index: i, Score: s}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

// Available probes the service health endpoint.
func (r *HTTPReranker) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Close releases idle connections.
func (r *HTTPReranker) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
