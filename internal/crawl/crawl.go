// Package crawl walks a documentation site breadth-first from a start
// page, collecting same-origin page URLs for ingestion. It never leaves
// the start URL's origin and is bounded by a page cap and a soft
// wall-clock budget.
package crawl

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/quarry-kb/quarry/internal/catalog"
	"github.com/quarry-kb/quarry/internal/fetch"
)

const (
	// DefaultMaxPages caps visited pages per crawl.
	DefaultMaxPages = 1000

	// DefaultSoftTimeout is the wall-clock budget per crawl; hitting it
	// ends the crawl cleanly with whatever was found.
	DefaultSoftTimeout = 10 * time.Minute

	sitemapTimeout = 15 * time.Second
)

// excludedPrefixes are path prefixes that lead to auth flows, search
// result pages, and commerce chrome rather than documentation.
var excludedPrefixes = []string{
	"/login", "/signup", "/search", "/cart",
	"/checkout", "/account", "/admin", "/api/",
}

// excludedExtensions are opaque or styling assets.
var excludedExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
	".ico": true, ".css": true, ".js": true, ".woff": true, ".woff2": true,
	".zip": true, ".tar": true, ".gz": true, ".tgz": true, ".mp4": true,
	".webm": true, ".mp3": true, ".exe": true, ".dmg": true, ".whl": true,
}

// PageFetcher is the subset of the HTML fetcher the crawler needs.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Document, error)
}

// Crawler discovers pages on a single documentation site.
type Crawler struct {
	fetcher     PageFetcher
	httpClient  *http.Client
	maxPages    int
	softTimeout time.Duration
	log         *slog.Logger
}

// Options bounds a crawl.
type Options struct {
	MaxPages    int
	SoftTimeout time.Duration
}

// New creates a crawler over the given page fetcher. MaxPages of zero
// means crawl nothing; a negative value selects the default cap.
func New(fetcher PageFetcher, opts Options) *Crawler {
	if opts.MaxPages < 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = DefaultSoftTimeout
	}
	return &Crawler{
		fetcher:     fetcher,
		httpClient:  &http.Client{Timeout: sitemapTimeout},
		maxPages:    opts.MaxPages,
		softTimeout: opts.SoftTimeout,
		log:         slog.Default().With("component", "crawl"),
	}
}

// Result is the outcome of one crawl.
type Result struct {
	// Discovered holds normalized same-origin page URLs, excluding the
	// start page itself.
	Discovered []string
	// PagesVisited counts pages actually fetched.
	PagesVisited int
	// Truncated is set when the page cap or time budget ended the crawl.
	Truncated bool
}

// Crawl walks the site breadth-first from startURL. Fetch failures on
// individual pages are logged and skipped; only context cancellation
// aborts the crawl.
func (c *Crawler) Crawl(ctx context.Context, startURL string) (*Result, error) {
	if c.maxPages == 0 {
		return &Result{}, nil
	}

	start, err := url.Parse(startURL)
	if err != nil {
		return nil, err
	}
	origin := start.Scheme + "://" + start.Host

	ctx, cancel := context.WithTimeout(ctx, c.softTimeout)
	defer cancel()

	startNorm, err := catalog.NormalizeURL(startURL)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{startNorm: true}
	queue := []string{startNorm}
	res := &Result{}

	// Sitemap entries join the frontier ahead of link discovery.
	for _, loc := range c.sitemapURLs(ctx, origin) {
		if norm, ok := c.admissible(loc, start); ok && !seen[norm] {
			seen[norm] = true
			queue = append(queue, norm)
			res.Discovered = append(res.Discovered, norm)
		}
	}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			res.Truncated = true
			break
		}
		if res.PagesVisited >= c.maxPages {
			res.Truncated = true
			break
		}

		current := queue[0]
		queue = queue[1:]

		doc, err := c.fetcher.Fetch(ctx, current)
		res.PagesVisited++
		if err != nil {
			if ctx.Err() != nil {
				res.Truncated = true
				break
			}
			c.log.Debug("crawl page fetch failed", "url", current, "error", err)
			continue
		}

		for _, link := range doc.Links {
			norm, ok := c.admissible(link, start)
			if !ok || seen[norm] {
				continue
			}
			seen[norm] = true
			queue = append(queue, norm)
			res.Discovered = append(res.Discovered, norm)
		}
	}

	return res, nil
}

// admissible normalizes a candidate link and checks origin, excluded
// path prefixes, and opaque extensions.
func (c *Crawler) admissible(rawURL string, start *url.URL) (string, bool) {
	norm, err := catalog.NormalizeURL(rawURL)
	if err != nil {
		return "", false
	}
	u, err := url.Parse(norm)
	if err != nil {
		return "", false
	}
	if u.Scheme != start.Scheme || !strings.EqualFold(u.Host, start.Host) {
		return "", false
	}

	p := u.Path
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return "", false
		}
	}
	if excludedExtensions[strings.ToLower(path.Ext(p))] {
		return "", false
	}
	return norm, true
}

type sitemapIndex struct {
	Sitemaps []sitemapLoc `xml:"sitemap"`
	URLs     []sitemapLoc `xml:"url"`
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

// sitemapURLs fetches <origin>/sitemap.xml and returns its locations,
// following one level of sitemap-index indirection. Absence of a sitemap
// is normal and returns nil.
func (c *Crawler) sitemapURLs(ctx context.Context, origin string) []string {
	entries, nested := c.readSitemap(ctx, origin+"/sitemap.xml")
	for _, sub := range nested {
		subEntries, _ := c.readSitemap(ctx, sub)
		entries = append(entries, subEntries...)
	}
	return entries
}

func (c *Crawler) readSitemap(ctx context.Context, sitemapURL string) (urls, nested []string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, nil
	}
	req.Header.Set("User-Agent", fetch.DefaultUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil
	}

	var idx sitemapIndex
	if err := xml.Unmarshal(body, &idx); err != nil {
		c.log.Debug("unparseable sitemap", "url", sitemapURL, "error", err)
		return nil, nil
	}
	for _, u := range idx.URLs {
		if loc := strings.TrimSpace(u.Loc); loc != "" {
			urls = append(urls, loc)
		}
	}
	for _, s := range idx.Sitemaps {
		if loc := strings.TrimSpace(s.Loc); loc != "" {
			nested = append(nested, loc)
		}
	}
	return urls, nested
}
