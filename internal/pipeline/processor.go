// Package pipeline is the queue processor: it claims pending catalog
// entries in batches, routes them to the kind-specific fetcher, and runs
// each document through chunking, enrichment, embedding, and indexing.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quarry-kb/quarry/internal/catalog"
	"github.com/quarry-kb/quarry/internal/chunk"
	"github.com/quarry-kb/quarry/internal/crawl"
	"github.com/quarry-kb/quarry/internal/embed"
	qerrors "github.com/quarry-kb/quarry/internal/errors"
	"github.com/quarry-kb/quarry/internal/fetch"
	"github.com/quarry-kb/quarry/internal/store"
)

const (
	// DefaultBatchSize is how many entries one claim pulls.
	DefaultBatchSize = 10

	// DefaultWorkers processes entries concurrently within a batch.
	DefaultWorkers = 3

	// DefaultMaxRetries bounds attempts for transiently failing entries.
	DefaultMaxRetries = 3
)

// DocumentFetcher fetches one URL into a document.
type DocumentFetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Document, error)
}

// ChannelLister expands a channel URL into its video URLs.
type ChannelLister interface {
	Expand(ctx context.Context, channelURL string) ([]fetch.ChannelVideo, error)
}

// SiteCrawler discovers same-origin pages from a start URL.
type SiteCrawler interface {
	Crawl(ctx context.Context, startURL string) (*crawl.Result, error)
}

// MetadataEnricher labels chunks; it degrades internally and only fails
// on context cancellation.
type MetadataEnricher interface {
	EnrichAll(ctx context.Context, chunks []*store.Chunk) error
}

// Fetchers holds the kind-routed fetch implementations. Page serves both
// web_page and doc_site_page entries.
type Fetchers struct {
	Page    DocumentFetcher
	Repo    DocumentFetcher
	Video   DocumentFetcher
	Channel ChannelLister
}

// Options tunes batch processing.
type Options struct {
	BatchSize  int
	Workers    int
	MaxRetries int
}

// Result counts per-attempt outcomes across processed batches. Skipped
// entries were claimed but not attempted because of a stop; startup
// requeue returns them to pending.
type Result struct {
	Succeeded int
	Failed    int
	Skipped   int
}

func (r *Result) merge(o Result) {
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

// Processor drains the catalog's pending queue.
type Processor struct {
	catalog  *catalog.Store
	vectors  *store.VectorIndex
	lexical  *store.LexicalIndex
	chunker  *chunk.Chunker
	embedder embed.Embedder
	enricher MetadataEnricher
	fetchers Fetchers
	crawler  SiteCrawler

	batchSize  int
	workers    int
	maxRetries int
	log        *slog.Logger
}

// New creates a queue processor. Enricher and crawler may be nil, which
// disables enrichment and site crawling respectively.
func New(cat *catalog.Store, vectors *store.VectorIndex, lexical *store.LexicalIndex,
	chunker *chunk.Chunker, embedder embed.Embedder, enricher MetadataEnricher,
	fetchers Fetchers, crawler SiteCrawler, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Processor{
		catalog:    cat,
		vectors:    vectors,
		lexical:    lexical,
		chunker:    chunker,
		embedder:   embedder,
		enricher:   enricher,
		fetchers:   fetchers,
		crawler:    crawler,
		batchSize:  opts.BatchSize,
		workers:    opts.Workers,
		maxRetries: opts.MaxRetries,
		log:        slog.Default().With("component", "pipeline"),
	}
}

// ProcessQueue claims and processes batches until the queue is empty,
// maxBatches is reached (0 means unlimited), or the context is done.
// Transient failures return entries to pending, so later batches may
// retry them within the same call.
func (p *Processor) ProcessQueue(ctx context.Context, maxBatches int) (*Result, error) {
	total := &Result{}
	for batches := 0; maxBatches == 0 || batches < maxBatches; batches++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		entries, err := p.catalog.ClaimBatch(ctx, p.batchSize)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			break
		}
		total.merge(p.processBatch(ctx, entries))
	}
	return total, nil
}

// processBatch runs one claimed batch through the worker pool.
func (p *Processor) processBatch(ctx context.Context, entries []*catalog.Entry) Result {
	var mu sync.Mutex
	var res Result

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			// Stopped mid-batch: leave the entry in_flight for the
			// startup requeue instead of charging it a retry.
			if ctx.Err() != nil {
				mu.Lock()
				res.Skipped++
				mu.Unlock()
				return nil
			}

			started := time.Now()
			err := p.processEntry(ctx, entry)
			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				res.Succeeded++
				p.log.Info("entry ingested",
					"url", entry.URL, "kind", entry.Kind,
					"elapsed", time.Since(started).Round(time.Millisecond))
			case ctx.Err() != nil:
				res.Skipped++
			default:
				res.Failed++
				retriable := qerrors.IsRetryable(err)
				p.log.Warn("entry failed",
					"url", entry.URL, "kind", entry.Kind,
					"retriable", retriable, "error", err)
				if markErr := p.catalog.MarkFailed(ctx, entry.URLHash, err.Error(),
					retriable, p.maxRetries); markErr != nil {
					p.log.Error("recording failure", "url", entry.URL, "error", markErr)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// processEntry runs one entry end to end and marks it fetched.
func (p *Processor) processEntry(ctx context.Context, e *catalog.Entry) error {
	if e.Kind == catalog.KindVideoChannel {
		return p.expandChannel(ctx, e)
	}

	// Doc-site entries added directly (not found by a crawl) seed a
	// bounded same-origin crawl before their own page is ingested.
	if p.crawler != nil && e.Kind == catalog.KindDocSitePage && !e.CrawlDiscovered() {
		p.crawlSite(ctx, e)
	}

	doc, err := p.fetchEntry(ctx, e)
	if err != nil {
		return err
	}
	return p.IngestDocument(ctx, e, doc)
}

// IngestDocument chunks, enriches, embeds, and indexes a fetched document,
// then marks the entry fetched. The refresher uses this directly after its
// own change detection.
func (p *Processor) IngestDocument(ctx context.Context, e *catalog.Entry, doc *fetch.Document) error {
	chunks, err := p.buildChunks(e, doc)
	if err != nil {
		return err
	}

	if p.enricher != nil {
		if err := p.enricher.EnrichAll(ctx, chunks); err != nil {
			return err
		}
	}

	if err := p.embedChunks(ctx, chunks); err != nil {
		return err
	}

	if err := p.vectors.ReplaceSourceURL(ctx, e.URL, chunks); err != nil {
		return err
	}
	p.lexical.MarkDirty(len(chunks))

	return p.markFetched(ctx, e)
}

func (p *Processor) fetchEntry(ctx context.Context, e *catalog.Entry) (*fetch.Document, error) {
	var f DocumentFetcher
	switch e.Kind {
	case catalog.KindWebPage, catalog.KindDocSitePage:
		f = p.fetchers.Page
	case catalog.KindRepo:
		f = p.fetchers.Repo
	case catalog.KindVideo:
		f = p.fetchers.Video
	}
	if f == nil {
		return nil, qerrors.Permanent(qerrors.ErrCodeContentRejected,
			fmt.Sprintf("no fetcher for kind %q", e.Kind), nil)
	}
	return f.Fetch(ctx, e.URL)
}

// crawlSite is best effort: crawl failures never fail the entry itself.
func (p *Processor) crawlSite(ctx context.Context, e *catalog.Entry) {
	res, err := p.crawler.Crawl(ctx, e.URL)
	if err != nil {
		p.log.Warn("site crawl failed", "url", e.URL, "error", err)
		return
	}

	discovered := make([]*catalog.Entry, 0, len(res.Discovered))
	for _, u := range res.Discovered {
		ent, err := catalog.NewEntry(u, catalog.PriorityDiscovered, "crawl:"+e.URL)
		if err != nil {
			continue
		}
		discovered = append(discovered, ent)
	}
	ins, err := p.catalog.InsertIfAbsent(ctx, discovered)
	if err != nil {
		p.log.Warn("inserting crawled pages", "url", e.URL, "error", err)
		return
	}
	p.log.Info("site crawled", "url", e.URL,
		"pages_visited", res.PagesVisited, "added", ins.Added,
		"truncated", res.Truncated)
}

// expandChannel turns a channel entry into pending video entries. The
// channel itself is marked fetched and indexes no content.
func (p *Processor) expandChannel(ctx context.Context, e *catalog.Entry) error {
	if p.fetchers.Channel == nil {
		return qerrors.Permanent(qerrors.ErrCodeContentRejected,
			"channel expansion is not configured", nil)
	}
	videos, err := p.fetchers.Channel.Expand(ctx, e.URL)
	if err != nil {
		return err
	}

	entries := make([]*catalog.Entry, 0, len(videos))
	for _, v := range videos {
		ent, err := catalog.NewEntry(v.URL, e.Priority, "channel:"+e.URL)
		if err != nil {
			p.log.Warn("skipping channel video", "url", v.URL, "error", err)
			continue
		}
		ent.Kind = catalog.KindVideo
		ent.RefreshPolicy = catalog.RefreshNever
		entries = append(entries, ent)
	}
	ins, err := p.catalog.InsertIfAbsent(ctx, entries)
	if err != nil {
		return err
	}
	p.log.Info("channel expanded", "url", e.URL,
		"videos", len(videos), "added", ins.Added)

	return p.markFetched(ctx, e)
}

// buildChunks splits the document and stamps provenance, validators, and
// ordering onto each chunk.
func (p *Processor) buildChunks(e *catalog.Entry, doc *fetch.Document) ([]*store.Chunk, error) {
	var pieces []chunk.Piece
	if e.Kind == catalog.KindVideo {
		pieces = p.chunker.SplitTranscript(doc.Segments)
	} else {
		var err error
		pieces, err = p.chunker.Split(string(e.Kind), doc.Text)
		if err != nil {
			return nil, err
		}
	}
	if len(pieces) == 0 {
		return nil, qerrors.Permanent(qerrors.ErrCodeContentRejected,
			"document produced no chunks", nil)
	}

	fetchedAt := doc.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}
	contentHash := doc.ContentHash()
	domain := hostOf(e.URL)

	chunks := make([]*store.Chunk, 0, len(pieces))
	for _, pc := range pieces {
		chunks = append(chunks, &store.Chunk{
			ID:               uuid.NewString(),
			DocumentID:       e.URLHash,
			ChunkIndex:       pc.Index,
			TotalChunks:      pc.Total,
			Text:             pc.Text,
			SourceURL:        e.URL,
			Kind:             string(e.Kind),
			Domain:           domain,
			ContentHash:      contentHash,
			HTTPETag:         doc.ETag,
			HTTPLastModified: doc.LastModified,
			CommitID:         doc.CommitID,
			SegmentStart:     pc.SegmentStart,
			FetchedAt:        fetchedAt,
		})
	}
	return chunks, nil
}

func (p *Processor) embedChunks(ctx context.Context, chunks []*store.Chunk) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if len(vecs) != len(chunks) {
		return qerrors.New(qerrors.ErrCodeEmbedFailed,
			fmt.Sprintf("embedder returned %d vectors for %d chunks", len(vecs), len(chunks)), nil)
	}
	for i, c := range chunks {
		c.Embedding = vecs[i]
	}
	return nil
}

func (p *Processor) markFetched(ctx context.Context, e *catalog.Entry) error {
	now := time.Now().UTC()
	var next time.Time
	if interval, ok := e.RefreshPolicy.Interval(); ok {
		next = now.Add(interval)
	}
	return p.catalog.MarkFetched(ctx, e.URLHash, now, next)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
