package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpRerankerPreservesOrder(t *testing.T) {
	r := &NoOpReranker{}
	results, err := r.Rerank(context.Background(), "q", []string{"a", "b", "c"}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, 1, results[1].Index)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestHTTPRerankerScoresPairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/rerank":
			var req rerankRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "oauth tokens", req.Query)
			require.Len(t, req.Passages, 3)
			_ = json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.1, 0.9, 0.5}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewHTTPReranker(srv.URL, 5*time.Second)
	defer func() { _ = r.Close() }()

	assert.True(t, r.Available(context.Background()))

	results, err := r.Rerank(context.Background(), "oauth tokens", []string{"a", "b", "c"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].Index)
	assert.InDelta(t, 0.9, results[0].Score, 1e-9)
	assert.Equal(t, 2, results[1].Index)
	assert.Equal(t, 0, results[2].Index)
}

func TestHTTPRerankerServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewHTTPReranker(srv.URL, 5*time.Second)
	_, err := r.Rerank(context.Background(), "q", []string{"a"}, 0)
	require.Error(t, err)
}

func TestHTTPRerankerScoreCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.5}})
	}))
	defer srv.Close()

	r := NewHTTPReranker(srv.URL, 5*time.Second)
	_, err := r.Rerank(context.Background(), "q", []string{"a", "b"}, 0)
	require.Error(t, err)
}

func TestHTTPRerankerUnavailable(t *testing.T) {
	r := NewHTTPReranker("http://127.0.0.1:1", time.Second)
	assert.False(t, r.Available(context.Background()))
}
