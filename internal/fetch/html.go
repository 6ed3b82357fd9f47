package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 10 << 20

// HTMLFetcher retrieves web pages and converts the main content to
// markdown. An optional renderer endpoint handles JS-heavy pages; plain
// GET otherwise.
type HTMLFetcher struct {
	client           *http.Client
	gate             *HostGate
	userAgent        string
	timeout          time.Duration
	headTimeout      time.Duration
	rendererEndpoint string
}

var _ Fetcher = (*HTMLFetcher)(nil)

// HTMLOptions configures the HTML fetcher.
type HTMLOptions struct {
	UserAgent        string
	RequestTimeout   time.Duration
	HeadTimeout      time.Duration
	RendererEndpoint string
}

// NewHTMLFetcher creates an HTML fetcher sharing the given host gate.
func NewHTMLFetcher(gate *HostGate, opts HTMLOptions) *HTMLFetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HeadTimeout <= 0 {
		opts.HeadTimeout = 10 * time.Second
	}
	return &HTMLFetcher{
		client:           &http.Client{}, // follows redirects by default
		gate:             gate,
		userAgent:        opts.UserAgent,
		timeout:          opts.RequestTimeout,
		headTimeout:      opts.HeadTimeout,
		rendererEndpoint: opts.RendererEndpoint,
	}
}

// Fetch GETs the page, extracts the main content, and returns it as
// markdown with validators and outbound links.
func (f *HTMLFetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeInvalidURL, fmt.Sprintf("parsing %s", rawURL), err)
	}
	if err := f.gate.Wait(ctx, u.Host); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	target := rawURL
	if f.rendererEndpoint != "" {
		target = f.rendererEndpoint + "?url=" + url.QueryEscape(rawURL)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		f.gate.Penalize(u.Host)
		return nil, qerrors.New(qerrors.ErrCodeNetworkTimeout, fmt.Sprintf("fetching %s", rawURL), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode, rawURL); err != nil {
		if qerrors.IsRetryable(err) {
			f.gate.Penalize(u.Host)
		}
		return nil, err
	}
	f.gate.Forgive(u.Host)

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "text/plain") {
		return nil, qerrors.New(qerrors.ErrCodeContentRejected,
			fmt.Sprintf("unsupported content type %q at %s", contentType, rawURL), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		f.gate.Penalize(u.Host)
		return nil, qerrors.New(qerrors.ErrCodeNetworkTimeout, fmt.Sprintf("reading %s", rawURL), err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeContentRejected, fmt.Sprintf("parsing HTML from %s", rawURL), err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	lang, _ := doc.Find("html").Attr("lang")
	links := extractLinks(doc, resp.Request.URL)

	text := htmlToMarkdown(doc)
	if strings.TrimSpace(text) == "" {
		return nil, qerrors.New(qerrors.ErrCodeContentRejected,
			fmt.Sprintf("no extractable content at %s", rawURL), nil)
	}

	return &Document{
		SourceURL:    rawURL,
		Kind:         "web_page",
		Title:        title,
		Language:     strings.TrimSpace(lang),
		Text:         text,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		StatusCode:   resp.StatusCode,
		ContentType:  contentType,
		Links:        links,
		FetchedAt:    time.Now().UTC(),
	}, nil
}

// Validators is the subset of headers a HEAD request can refresh.
type Validators struct {
	ETag         string
	LastModified string
	StatusCode   int
}

// Head issues a HEAD request with redirects and a short deadline,
// returning validators for the refresher's cheap change check.
func (f *HTMLFetcher) Head(ctx context.Context, rawURL string) (*Validators, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeInvalidURL, fmt.Sprintf("parsing %s", rawURL), err)
	}
	if err := f.gate.Wait(ctx, u.Host); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeNetworkTimeout, fmt.Sprintf("HEAD %s", rawURL), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode, rawURL); err != nil {
		return nil, err
	}
	return &Validators{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		StatusCode:   resp.StatusCode,
	}, nil
}

// noiseSelectors are stripped before content extraction.
const noiseSelectors = "script, style, nav, aside, header, footer, noscript, iframe, form"

var blankLines = regexp.MustCompile(`\n{3,}`)

// htmlToMarkdown extracts headings, paragraphs, lists, code blocks, and
// tables into markdown, dropping navigation chrome.
func htmlToMarkdown(doc *goquery.Document) string {
	doc.Find(noiseSelectors).Remove()

	root := doc.Find("main, article, [role=main]").First()
	if root.Length() == 0 {
		root = doc.Find("body")
	}

	var out []string
	seen := make(map[string]bool)
	root.Find("h1, h2, h3, h4, p, li, pre, table, blockquote").Each(func(_ int, s *goquery.Selection) {
		// Skip elements nested inside another captured element so text
		// is not duplicated (li inside li, p inside blockquote).
		if s.ParentsFiltered("pre, li, blockquote, table").Length() > 0 {
			return
		}

		var block string
		switch goquery.NodeName(s) {
		case "h1":
			block = "# " + collapseSpace(s.Text())
		case "h2":
			block = "## " + collapseSpace(s.Text())
		case "h3":
			block = "### " + collapseSpace(s.Text())
		case "h4":
			block = "#### " + collapseSpace(s.Text())
		case "p":
			block = collapseSpace(s.Text())
		case "li":
			block = "- " + collapseSpace(s.Text())
		case "pre":
			code := strings.TrimRight(s.Text(), "\n")
			if strings.TrimSpace(code) != "" {
				block = "```\n" + code + "\n```"
			}
		case "blockquote":
			block = "> " + collapseSpace(s.Text())
		case "table":
			block = tableToMarkdown(s)
		}

		block = strings.TrimSpace(block)
		if block == "" || (len(block) < 200 && seen[block]) {
			return
		}
		seen[block] = true
		out = append(out, block)
	})

	return blankLines.ReplaceAllString(strings.Join(out, "\n\n"), "\n\n")
}

func tableToMarkdown(sel *goquery.Selection) string {
	var rows []string
	sel.Find("tr").Each(func(i int, tr *goquery.Selection) {
		var cols []string
		tr.Find("th, td").Each(func(_ int, td *goquery.Selection) {
			cols = append(cols, collapseSpace(td.Text()))
		})
		if len(cols) == 0 {
			return
		}
		rows = append(rows, "| "+strings.Join(cols, " | ")+" |")
		if i == 0 {
			sep := make([]string, len(cols))
			for j := range sep {
				sep[j] = "---"
			}
			rows = append(rows, "| "+strings.Join(sep, " | ")+" |")
		}
	})
	return strings.Join(rows, "\n")
}

var spaceRun = regexp.MustCompile(`\s+`)

func collapseSpace(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// extractLinks resolves href attributes against the final request URL,
// keeping only http(s) targets.
func extractLinks(doc *goquery.Document, base *url.URL) []string {
	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		abs.Fragment = ""
		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})
	return links
}
