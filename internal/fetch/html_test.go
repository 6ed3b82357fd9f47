package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

const samplePage = `<!DOCTYPE html>
<html lang="en">
<head><title>Token Guide</title><style>p { color: red }</style></head>
<body>
<nav><a href="/login">Log in</a><a href="/pricing">Pricing</a></nav>
<main>
<h1>OAuth Tokens</h1>
<p>Access tokens authorize API calls.</p>
<ul><li>Bearer tokens</li><li>Refresh tokens</li></ul>
<pre>curl -H "Authorization: Bearer ..."</pre>
<table><tr><th>Type</th><th>TTL</th></tr><tr><td>access</td><td>1h</td></tr></table>
<a href="/docs/refresh">Refresh docs</a>
<a href="https://other.example/page">External</a>
<a href="#section">Anchor</a>
<a href="mailto:x@example.org">Mail</a>
</main>
<script>alert("hi")</script>
<footer><p>Copyright</p></footer>
</body></html>`

func newTestFetcher() *HTMLFetcher {
	return NewHTMLFetcher(NewHostGate(1000), HTMLOptions{RequestTimeout: 5 * time.Second})
}

func TestHTMLFetchExtractsMarkdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	doc, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/guide")
	require.NoError(t, err)

	assert.Equal(t, "Token Guide", doc.Title)
	assert.Equal(t, "en", doc.Language)
	assert.Equal(t, `"abc123"`, doc.ETag)
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", doc.LastModified)

	assert.Contains(t, doc.Text, "# OAuth Tokens")
	assert.Contains(t, doc.Text, "Access tokens authorize API calls.")
	assert.Contains(t, doc.Text, "- Bearer tokens")
	assert.Contains(t, doc.Text, "```")
	assert.Contains(t, doc.Text, "| Type | TTL |")
	assert.NotContains(t, doc.Text, "alert")
	assert.NotContains(t, doc.Text, "color: red")
	assert.NotContains(t, doc.Text, "Copyright")

	assert.Contains(t, doc.Links, srv.URL+"/docs/refresh")
	assert.Contains(t, doc.Links, "https://other.example/page")
	for _, l := range doc.Links {
		assert.NotContains(t, l, "mailto")
	}
}

func TestHTMLFetchServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, qerrors.IsRetryable(err))
}

func TestHTMLFetchNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, qerrors.IsPermanent(err))
}

func TestHTMLFetchRejectsNonHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()

	_, err := newTestFetcher().Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, qerrors.IsPermanent(err))
}

func TestHeadReturnsValidators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("ETag", `"v2"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v, err := newTestFetcher().Head(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, `"v2"`, v.ETag)
	assert.Equal(t, http.StatusOK, v.StatusCode)
}

func TestHostGateBackoffGrowsAndClears(t *testing.T) {
	g := NewHostGate(1000)

	assert.Zero(t, g.PenaltyFor("example.org"))
	g.Penalize("example.org")
	assert.Equal(t, 2*time.Second, g.PenaltyFor("example.org"))
	g.Penalize("example.org")
	assert.Equal(t, 4*time.Second, g.PenaltyFor("example.org"))

	for i := 0; i < 10; i++ {
		g.Penalize("example.org")
	}
	assert.Equal(t, 60*time.Second, g.PenaltyFor("example.org"))

	g.Forgive("example.org")
	assert.Zero(t, g.PenaltyFor("example.org"))
}

func TestHostGateWaitHonorsCancellation(t *testing.T) {
	g := NewHostGate(1000)
	g.Penalize("slow.example") // 2s backoff

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := g.Wait(ctx, "slow.example")
	require.Error(t, err)
}
