// Package refresh re-checks fetched sources on their per-kind cadence,
// using cheap validators (ETag, Last-Modified, git remote tip) before
// falling back to a full fetch, and re-indexing only when content changed.
package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quarry-kb/quarry/internal/catalog"
	qerrors "github.com/quarry-kb/quarry/internal/errors"
	"github.com/quarry-kb/quarry/internal/fetch"
	"github.com/quarry-kb/quarry/internal/store"
)

// DefaultCron runs refresh early Monday morning.
const DefaultCron = "0 3 * * 1"

// DefaultBatchSize bounds entries checked per run.
const DefaultBatchSize = 100

// PageSource fetches pages and serves validator HEAD requests.
type PageSource interface {
	Fetch(ctx context.Context, url string) (*fetch.Document, error)
	Head(ctx context.Context, url string) (*fetch.Validators, error)
}

// RepoSource fetches repositories and reads the remote tip commit.
type RepoSource interface {
	Fetch(ctx context.Context, url string) (*fetch.Document, error)
	RemoteTip(ctx context.Context, url string) (string, error)
}

// Ingester re-indexes a fetched document. Satisfied by the pipeline
// processor.
type Ingester interface {
	IngestDocument(ctx context.Context, e *catalog.Entry, doc *fetch.Document) error
}

// ChunkReader exposes the stored chunks whose validators drive change
// detection.
type ChunkReader interface {
	GetBySourceURL(ctx context.Context, sourceURL string) ([]*store.Chunk, error)
}

// Result summarizes one refresh run.
type Result struct {
	Checked   int
	Unchanged int
	Updated   int
	Failed    int
}

// Refresher drives scheduled re-checks of fetched entries.
type Refresher struct {
	catalog   *catalog.Store
	chunks    ChunkReader
	pages     PageSource
	repos     RepoSource
	ingester  Ingester
	batchSize int
	log       *slog.Logger
}

// Options tunes a refresher.
type Options struct {
	BatchSize int
}

// New creates a refresher over the shared pipeline components.
func New(cat *catalog.Store, chunks ChunkReader, pages PageSource, repos RepoSource,
	ingester Ingester, opts Options) *Refresher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Refresher{
		catalog:   cat,
		chunks:    chunks,
		pages:     pages,
		repos:     repos,
		ingester:  ingester,
		batchSize: opts.BatchSize,
		log:       slog.Default().With("component", "refresh"),
	}
}

// RunOnce checks every entry due at now. Validator matches and unchanged
// content advance the schedule without re-indexing; changed content is
// re-fetched and atomically re-indexed. Individual failures never abort
// the run.
func (r *Refresher) RunOnce(ctx context.Context, now time.Time) (*Result, error) {
	due, err := r.catalog.DueForRefresh(ctx, now, r.batchSize)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		switch outcome, err := r.refreshEntry(ctx, e, now); {
		case err != nil:
			res.Failed++
			r.log.Warn("refresh failed", "url", e.URL, "error", err)
			if markErr := r.catalog.MarkFailed(ctx, e.URLHash, err.Error(),
				qerrors.IsRetryable(err), 1); markErr != nil {
				r.log.Error("recording refresh failure", "url", e.URL, "error", markErr)
			}
		case outcome:
			res.Updated++
			r.log.Info("source refreshed", "url", e.URL, "kind", e.Kind)
		default:
			res.Unchanged++
		}
	}

	r.log.Info("refresh run complete",
		"checked", res.Checked, "unchanged", res.Unchanged,
		"updated", res.Updated, "failed", res.Failed)
	return res, nil
}

// refreshEntry returns whether the entry's content was re-indexed.
func (r *Refresher) refreshEntry(ctx context.Context, e *catalog.Entry, now time.Time) (bool, error) {
	stored, err := r.chunks.GetBySourceURL(ctx, e.URL)
	if err != nil {
		return false, err
	}
	if len(stored) == 0 {
		// Indexed content is gone; treat as changed and rebuild.
		return true, r.fetchAndIngest(ctx, e)
	}
	prev := stored[0]

	if r.validatorsMatch(ctx, e, prev) {
		return false, r.advance(ctx, e, now)
	}

	doc, err := r.fetchDocument(ctx, e)
	if err != nil {
		return false, err
	}
	if doc.ContentHash() == prev.ContentHash {
		// Validators rotated but the content did not.
		return false, r.advance(ctx, e, now)
	}
	return true, r.ingester.IngestDocument(ctx, e, doc)
}

// validatorsMatch runs the cheap per-kind check. Any error or missing
// validator reports no match, forcing the full fetch path.
func (r *Refresher) validatorsMatch(ctx context.Context, e *catalog.Entry, prev *store.Chunk) bool {
	switch e.Kind {
	case catalog.KindWebPage, catalog.KindDocSitePage:
		v, err := r.pages.Head(ctx, e.URL)
		if err != nil {
			return false
		}
		if prev.HTTPETag != "" && v.ETag == prev.HTTPETag {
			return true
		}
		return prev.HTTPLastModified != "" && v.LastModified == prev.HTTPLastModified
	case catalog.KindRepo:
		tip, err := r.repos.RemoteTip(ctx, e.URL)
		if err != nil {
			return false
		}
		return prev.CommitID != "" && tip == prev.CommitID
	default:
		return false
	}
}

func (r *Refresher) fetchDocument(ctx context.Context, e *catalog.Entry) (*fetch.Document, error) {
	switch e.Kind {
	case catalog.KindRepo:
		return r.repos.Fetch(ctx, e.URL)
	default:
		return r.pages.Fetch(ctx, e.URL)
	}
}

func (r *Refresher) fetchAndIngest(ctx context.Context, e *catalog.Entry) error {
	doc, err := r.fetchDocument(ctx, e)
	if err != nil {
		return err
	}
	return r.ingester.IngestDocument(ctx, e, doc)
}

// advance moves the refresh schedule forward without touching the index.
func (r *Refresher) advance(ctx context.Context, e *catalog.Entry, now time.Time) error {
	var next time.Time
	if interval, ok := e.RefreshPolicy.Interval(); ok {
		next = now.Add(interval)
	}
	return r.catalog.MarkFetched(ctx, e.URLHash, now, next)
}

// Scheduler runs RunOnce on a cron cadence.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

// Start schedules refresh runs with the given cron spec (standard five
// fields). An empty spec selects the default weekly schedule.
func Start(r *Refresher, spec string) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultCron
	}
	c := cron.New()
	log := slog.Default().With("component", "refresh")
	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		if _, err := r.RunOnce(ctx, time.Now().UTC()); err != nil {
			log.Error("scheduled refresh run failed", "error", err)
		}
	})
	if err != nil {
		return nil, qerrors.ConfigError("invalid refresh cron spec", err)
	}
	c.Start()
	log.Info("refresh scheduler started", "cron", spec)
	return &Scheduler{cron: c, log: log}, nil
}

// Stop halts the schedule, waiting for a running job to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
