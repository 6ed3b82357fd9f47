package discover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarry-kb/quarry/internal/catalog"
)

type fakeProvider struct {
	results map[string][]SearchResult
	err     error
	queries []string
}

func (f *fakeProvider) Search(_ context.Context, query string, _ int) ([]SearchResult, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

func (f *fakeProvider) Name() string { return "fake" }

type fakeGen struct {
	response string
	err      error
	respond  func(prompt string) (string, error)
}

func (f *fakeGen) Generate(_ context.Context, _, prompt string) (string, error) {
	if f.respond != nil {
		return f.respond(prompt)
	}
	return f.response, f.err
}

type memCallLog struct {
	mu    sync.Mutex
	calls []catalog.APICall
}

func (m *memCallLog) LogAPICall(_ context.Context, call catalog.APICall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return nil
}

func TestDiscoverLiteralURLsSkipSearch(t *testing.T) {
	p := &fakeProvider{}
	o := New(p, nil, nil, Options{})

	candidates, err := o.Discover(context.Background(),
		"https://Docs.Example.org/guide/ and https://github.com/acme/widget")
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	byURL := map[string]Candidate{}
	for _, c := range candidates {
		byURL[c.URL] = c
		assert.Equal(t, catalog.PriorityUser, c.Priority)
		assert.Equal(t, "user", c.From)
	}
	assert.Contains(t, byURL, "https://docs.example.org/guide")
	assert.Equal(t, catalog.KindRepo, byURL["https://github.com/acme/widget"].Kind)
	assert.Empty(t, p.queries, "literal URLs must not trigger search")
}

func TestDiscoverTopicSynthesizesQueries(t *testing.T) {
	p := &fakeProvider{results: map[string][]SearchResult{
		"kubernetes operators guide": {
			{URL: "https://docs.k8s.example/operators", Rank: 1},
			{URL: "https://blog.example.org/operators", Rank: 2},
		},
		"operator sdk tutorial": {
			{URL: "https://github.com/operator-framework/operator-sdk", Rank: 1},
		},
	}}
	gen := &fakeGen{response: "kubernetes operators guide\noperator sdk tutorial"}
	calls := &memCallLog{}
	o := New(p, gen, calls, Options{QueryModel: "mistral:7b"})

	candidates, err := o.Discover(context.Background(), "kubernetes operators")
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	// Doc-site rank-1 outscores repo rank-1 outscores blog rank-2.
	assert.Equal(t, "https://docs.k8s.example/operators", candidates[0].URL)
	assert.InDelta(t, 1.5, candidates[0].Score, 1e-9)
	assert.Equal(t, "https://github.com/operator-framework/operator-sdk", candidates[1].URL)
	assert.InDelta(t, 1.2, candidates[1].Score, 1e-9)
	for _, c := range candidates {
		assert.Equal(t, catalog.PriorityDiscovered, c.Priority)
	}
	assert.Len(t, calls.calls, 2)
}

func TestDiscoverFallsBackToLiteralQueryOnLLMFailure(t *testing.T) {
	p := &fakeProvider{results: map[string][]SearchResult{
		"rust async": {{URL: "https://example.org/rust-async", Rank: 1}},
	}}
	gen := &fakeGen{err: fmt.Errorf("model not loaded")}
	o := New(p, gen, nil, Options{})

	candidates, err := o.Discover(context.Background(), "rust async")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, []string{"rust async"}, p.queries)
}

func TestDiscoverCompetitorPassFansOutPerAlternative(t *testing.T) {
	gen := &fakeGen{respond: func(prompt string) (string, error) {
		if strings.Contains(prompt, "compete with") {
			return "RabbitMQ\nNATS", nil
		}
		return "kafka consumer groups", nil
	}}
	p := &fakeProvider{results: map[string][]SearchResult{}}
	o := New(p, gen, nil, Options{EnableCompetitors: true})

	_, err := o.Discover(context.Background(), "kafka")
	require.NoError(t, err)

	assert.Contains(t, p.queries, "kafka consumer groups")
	assert.Contains(t, p.queries, "RabbitMQ official documentation")
	assert.Contains(t, p.queries, "RabbitMQ tutorial")
	assert.Contains(t, p.queries, "NATS official documentation")
	assert.Contains(t, p.queries, "NATS tutorial")
	assert.NotContains(t, p.queries, "alternatives to kafka",
		"named alternatives replace the literal fallback queries")
}

func TestDiscoverCompetitorPassFallsBackWithoutModel(t *testing.T) {
	p := &fakeProvider{results: map[string][]SearchResult{}}
	o := New(p, nil, nil, Options{EnableCompetitors: true})

	_, err := o.Discover(context.Background(), "kafka")
	require.NoError(t, err)
	assert.Contains(t, p.queries, "alternatives to kafka")
	assert.Contains(t, p.queries, "kafka vs")
}

func TestDiscoverQuotaExhaustionIsPartialSuccess(t *testing.T) {
	p := &fakeProvider{err: ErrQuotaExhausted}
	gen := &fakeGen{response: "q1\nq2"}
	calls := &memCallLog{}
	o := New(p, gen, calls, Options{})

	candidates, err := o.Discover(context.Background(), "some topic")
	require.NoError(t, err)
	assert.Empty(t, candidates)
	require.Len(t, calls.calls, 1) // stopped after the first quota error
	assert.False(t, calls.calls[0].Success)
}

func TestDiscoverDedupesAcrossQueries(t *testing.T) {
	shared := SearchResult{URL: "https://example.org/shared", Rank: 3}
	p := &fakeProvider{results: map[string][]SearchResult{
		"q1": {shared},
		"q2": {{URL: "https://example.org/shared/", Rank: 1}},
	}}
	gen := &fakeGen{response: "q1\nq2"}
	o := New(p, gen, nil, Options{})

	candidates, err := o.Discover(context.Background(), "topic")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	// Best rank wins.
	assert.InDelta(t, 1.0, candidates[0].Score, 1e-9)
}

func TestHTTPSearchProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, "golang testing", r.URL.Query().Get("q"))
		w.Header().Set("X-Quota-Remaining", "17")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{"url": "https://example.org/a", "title": "A"},
				{"url": "https://example.org/b", "title": "B"},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPSearchProvider(srv.URL, "secret", 5*time.Second)
	results, err := p.Search(context.Background(), "golang testing", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Rank)
	assert.Equal(t, 2, results[1].Rank)
	assert.Equal(t, 17, p.RemainingQuota())
}

func TestHTTPSearchProviderQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPSearchProvider(srv.URL, "", 5*time.Second)
	_, err := p.Search(context.Background(), "q", 10)
	assert.ErrorIs(t, err, ErrQuotaExhausted)
}
