// Package discover turns free-form topic input into catalog entries,
// either by extracting URLs directly or by synthesizing web-search
// queries and scoring the results.
package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

// SearchResult is one provider hit; Rank is 1-based provider order.
type SearchResult struct {
	URL     string
	Title   string
	Snippet string
	Rank    int
}

// SearchProvider is a web-search backend.
type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	Name() string
}

// ErrQuotaExhausted marks a provider that declined the call for quota
// reasons; discovery treats it as partial success.
var ErrQuotaExhausted = qerrors.New(qerrors.ErrCodeRateLimited, "search provider quota exhausted", nil)

// HTTPSearchProvider calls a JSON search API with an API-key header.
type HTTPSearchProvider struct {
	client   *http.Client
	endpoint string
	apiKey   string

	// lastRemaining caches the provider's most recent quota report.
	lastRemaining int
}

var _ SearchProvider = (*HTTPSearchProvider)(nil)

// NewHTTPSearchProvider creates a provider for the given endpoint.
func NewHTTPSearchProvider(endpoint, apiKey string, timeout time.Duration) *HTTPSearchProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSearchProvider{
		client:        &http.Client{Timeout: timeout},
		endpoint:      endpoint,
		apiKey:        apiKey,
		lastRemaining: -1,
	}
}

type searchResponse struct {
	Results []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// Name identifies the provider in the API call log.
func (p *HTTPSearchProvider) Name() string { return "web_search" }

// RemainingQuota reports the provider's last quota header, -1 if unknown.
func (p *HTTPSearchProvider) RemainingQuota() int { return p.lastRemaining }

// Search runs one query. Quota exhaustion (429 or 402) maps to
// ErrQuotaExhausted so the orchestrator can continue with what it has.
func (p *HTTPSearchProvider) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	target := fmt.Sprintf("%s?q=%s&limit=%d", p.endpoint, url.QueryEscape(query), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeNetworkTimeout, "search provider unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if remaining := resp.Header.Get("X-Quota-Remaining"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			p.lastRemaining = n
		}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusPaymentRequired:
		return nil, ErrQuotaExhausted
	case resp.StatusCode >= 500:
		return nil, qerrors.New(qerrors.ErrCodeServerError,
			fmt.Sprintf("search provider returned %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, qerrors.New(qerrors.ErrCodeHTTPClientError,
			fmt.Sprintf("search provider returned %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeNetworkTimeout, "reading search response", err)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, qerrors.New(qerrors.ErrCodeContentRejected, "invalid search response", err)
	}

	results := make([]SearchResult, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, SearchResult{
			URL:     r.URL,
			Title:   r.Title,
			Snippet: r.Snippet,
			Rank:    i + 1,
		})
	}
	return results, nil
}
