// Package fetch turns catalog entries into documents: HTML pages, git
// repositories, and video transcripts, each behind a common interface.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/quarry-kb/quarry/internal/chunk"
	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

// DefaultUserAgent identifies this tool to origin servers.
const DefaultUserAgent = "quarry-kb/1.0 (+https://github.com/quarry-kb/quarry)"

// DefaultRequestTimeout bounds a single content fetch.
const DefaultRequestTimeout = 30 * time.Second

// Document is the normalized result of fetching one source.
type Document struct {
	SourceURL string
	Kind      string
	Title     string
	Language  string
	// Text is markdown-normalized UTF-8. Empty for video documents,
	// which carry Segments instead.
	Text     string
	Segments []chunk.Segment

	// Validators for cheap refresh checks.
	ETag         string
	LastModified string
	CommitID     string
	StatusCode   int
	ContentType  string

	// Links found on the page, absolute and unnormalized. Only the HTML
	// fetcher fills this; the crawler consumes it.
	Links []string

	// Source-specific extras.
	VideoDuration time.Duration
	VideoChannel  string
	FileCount     int

	FetchedAt time.Time
}

// ContentHash returns the sha256 hex digest of the document content, the
// change signal used by the refresher. Transcript documents hash their
// segment text.
func (d *Document) ContentHash() string {
	if d.Text == "" && len(d.Segments) > 0 {
		h := sha256.New()
		for _, s := range d.Segments {
			h.Write([]byte(s.Text))
			h.Write([]byte{'\n'})
		}
		return hex.EncodeToString(h.Sum(nil))
	}
	h := sha256.Sum256([]byte(d.Text))
	return hex.EncodeToString(h[:])
}

// Fetcher retrieves one source kind.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}

// classifyStatus maps an HTTP status to the error taxonomy: 429 and 5xx
// are transient, other 4xx are permanent, 404 gets its own code for
// failure accounting.
func classifyStatus(code int, url string) error {
	switch {
	case code == http.StatusTooManyRequests:
		return qerrors.New(qerrors.ErrCodeRateLimited,
			fmt.Sprintf("rate limited fetching %s", url), nil)
	case code >= 500:
		return qerrors.New(qerrors.ErrCodeServerError,
			fmt.Sprintf("server error %d fetching %s", code, url), nil)
	case code == http.StatusNotFound || code == http.StatusGone:
		return qerrors.New(qerrors.ErrCodeNotFound,
			fmt.Sprintf("%d fetching %s", code, url), nil)
	case code >= 400:
		return qerrors.New(qerrors.ErrCodeHTTPClientError,
			fmt.Sprintf("client error %d fetching %s", code, url), nil)
	default:
		return nil
	}
}
