// Package service wires the knowledge-base components together behind one
// facade used by the CLI commands: discovery, queue processing, retrieval,
// refresh, and maintenance.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/quarry-kb/quarry/internal/catalog"
	"github.com/quarry-kb/quarry/internal/chunk"
	"github.com/quarry-kb/quarry/internal/config"
	"github.com/quarry-kb/quarry/internal/crawl"
	"github.com/quarry-kb/quarry/internal/discover"
	"github.com/quarry-kb/quarry/internal/embed"
	"github.com/quarry-kb/quarry/internal/enrich"
	qerrors "github.com/quarry-kb/quarry/internal/errors"
	"github.com/quarry-kb/quarry/internal/fetch"
	"github.com/quarry-kb/quarry/internal/llm"
	"github.com/quarry-kb/quarry/internal/pipeline"
	"github.com/quarry-kb/quarry/internal/refresh"
	"github.com/quarry-kb/quarry/internal/search"
	"github.com/quarry-kb/quarry/internal/store"
)

// quotaWindow is the trailing window summarized in status output.
const quotaWindow = 7 * 24 * time.Hour

// Service owns every long-lived component of a knowledge base instance.
type Service struct {
	cfg *config.Config

	catalog  *catalog.Store
	vectors  *store.VectorIndex
	lexical  *store.LexicalIndex
	embedder embed.Embedder
	llm      *llm.Client

	discoverer *discover.Orchestrator
	processor  *pipeline.Processor
	refresher  *refresh.Refresher
	scheduler  *refresh.Scheduler
	engine     *search.Engine

	log *slog.Logger
}

// New builds a service from configuration. Orphaned in-flight entries
// from a previous crash are requeued during startup.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	cat, err := catalog.Open(cfg.Paths.CatalogDB)
	if err != nil {
		return nil, err
	}

	embedder, err := embed.NewFromConfig(ctx, cfg.Embedding)
	if err != nil {
		_ = cat.Close()
		return nil, err
	}

	vectors, err := store.OpenVectorIndex(cfg.Paths.VectorDir, embedder.Dimensions())
	if err != nil {
		_ = cat.Close()
		_ = embedder.Close()
		return nil, err
	}
	lexical := store.NewLexicalIndex()

	s := &Service{
		cfg:      cfg,
		catalog:  cat,
		vectors:  vectors,
		lexical:  lexical,
		embedder: embedder,
		log:      slog.Default().With("component", "service"),
	}

	var gen *llm.Client
	if cfg.LLM.Host != "" {
		gen = llm.NewClient(llm.Config{Host: cfg.LLM.Host, Timeout: cfg.LLM.Timeout.Std()})
		s.llm = gen
	}

	gate := fetch.NewHostGate(cfg.Queue.RatePerHost)
	pages := fetch.NewHTMLFetcher(gate, fetch.HTMLOptions{
		UserAgent:        cfg.Fetch.UserAgent,
		RequestTimeout:   cfg.Fetch.RequestTimeout.Std(),
		HeadTimeout:      cfg.Fetch.HeadTimeout.Std(),
		RendererEndpoint: cfg.Fetch.RendererEndpoint,
	})
	repos := fetch.NewRepoFetcher(cfg.Paths.WorkspaceRoot)

	fetchers := pipeline.Fetchers{Page: pages, Repo: repos}
	if cfg.Fetch.TranscriptEndpoint != "" {
		transcripts := fetch.NewHTTPTranscriptProvider(cfg.Fetch.TranscriptEndpoint, cfg.Fetch.RequestTimeout.Std())
		fetchers.Video = fetch.NewVideoFetcher(transcripts)
		fetchers.Channel = fetch.NewChannelExpander(transcripts, cfg.Discovery.ChannelMaxVideos)
	}

	var enricher pipeline.MetadataEnricher
	if gen != nil && cfg.LLM.EnrichModel != "" {
		enricher = enrich.New(gen, cfg.LLM.EnrichModel, cfg.LLM.EnrichWorkers)
	}

	crawler := crawl.New(pages, crawl.Options{
		MaxPages:    cfg.Crawl.MaxPages,
		SoftTimeout: cfg.Crawl.SoftTimeout.Std(),
	})

	chunker := chunk.New(chunk.Options{
		MinTokens:     cfg.Chunking.MinTokens,
		MaxTokens:     cfg.Chunking.MaxTokens,
		OverlapTokens: cfg.Chunking.OverlapTokens,
	})

	s.processor = pipeline.New(cat, vectors, lexical, chunker, embedder, enricher,
		fetchers, crawler, pipeline.Options{
			BatchSize:  cfg.Queue.BatchSize,
			Workers:    cfg.Queue.Workers,
			MaxRetries: cfg.Queue.MaxRetries,
		})

	s.refresher = refresh.New(cat, vectors, pages, repos, s.processor,
		refresh.Options{BatchSize: cfg.Refresh.BatchSize})

	var provider discover.SearchProvider
	if cfg.Discovery.SearchEndpoint != "" {
		provider = discover.NewHTTPSearchProvider(
			cfg.Discovery.SearchEndpoint, cfg.Discovery.SearchAPIKey, cfg.Fetch.RequestTimeout.Std())
	}
	var discoverGen discover.Generator
	if gen != nil {
		discoverGen = gen
	}
	s.discoverer = discover.New(provider, discoverGen, cat, discover.Options{
		QueryModel:        cfg.LLM.QueryModel,
		EnableCompetitors: cfg.Discovery.EnableCompetitors,
	})

	var reranker search.Reranker
	if cfg.Retrieval.RerankerEndpoint != "" {
		reranker = search.NewHTTPReranker(cfg.Retrieval.RerankerEndpoint, 0)
	}
	var searchGen search.Generator
	if gen != nil {
		searchGen = gen
	}
	s.engine = search.New(vectors, lexical, embedder, searchGen, reranker, search.Config{
		RRFConstant: cfg.Retrieval.RRFConstant,
		Weights: search.Weights{
			Semantic: cfg.Retrieval.SemanticWeight,
			Lexical:  cfg.Retrieval.LexicalWeight,
		},
		SimilarityThreshold: cfg.Retrieval.SimilarityThreshold,
		ExpandModel:         cfg.LLM.QueryModel,
	})

	if _, err := cat.RequeueInFlight(ctx); err != nil {
		s.log.Warn("requeueing in-flight entries", "error", err)
	}

	return s, nil
}

// AddResult reports one AddSources call.
type AddResult struct {
	Candidates int
	Added      int
	Skipped    int
}

// AddSources maps free-form input (URLs or a topic) to catalog entries.
func (s *Service) AddSources(ctx context.Context, input string) (*AddResult, error) {
	candidates, err := s.discoverer.Discover(ctx, input)
	if err != nil {
		return nil, err
	}

	entries := make([]*catalog.Entry, 0, len(candidates))
	for _, c := range candidates {
		e, err := catalog.NewEntry(c.URL, c.Priority, c.From)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	ins, err := s.catalog.InsertIfAbsent(ctx, entries)
	if err != nil {
		return nil, err
	}
	s.log.Info("sources added",
		"candidates", len(candidates), "added", ins.Added, "skipped", ins.Skipped)
	return &AddResult{Candidates: len(candidates), Added: ins.Added, Skipped: ins.Skipped}, nil
}

// ProcessQueue drains pending entries; maxBatches of 0 means until empty.
func (s *Service) ProcessQueue(ctx context.Context, maxBatches int) (*pipeline.Result, error) {
	return s.processor.ProcessQueue(ctx, maxBatches)
}

// Search runs one hybrid retrieval query.
func (s *Service) Search(ctx context.Context, query string, opts search.Options) ([]*search.Result, error) {
	return s.engine.Search(ctx, query, opts)
}

// RefreshOnce runs a single refresh pass over due entries.
func (s *Service) RefreshOnce(ctx context.Context) (*refresh.Result, error) {
	return s.refresher.RunOnce(ctx, time.Now().UTC())
}

// StartRefreshSchedule starts the cron refresher.
func (s *Service) StartRefreshSchedule() error {
	if !s.cfg.Refresh.Enabled {
		return qerrors.ConfigError("refresh.enabled is false", nil)
	}
	sched, err := refresh.Start(s.refresher, s.cfg.Refresh.Cron)
	if err != nil {
		return err
	}
	s.scheduler = sched
	s.log.Info("refresh schedule started", "cron", s.cfg.Refresh.Cron)
	return nil
}

// Status summarizes catalog, index, and API-quota state.
type Status struct {
	Catalog    *catalog.Counts
	Chunks     int
	Documents  int
	Dimensions int
	Quotas     []catalog.QuotaSnapshot
}

// Status reports the current state of the knowledge base.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	counts, err := s.catalog.Counts(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.vectors.Stats(ctx)
	if err != nil {
		return nil, err
	}
	quotas, err := s.catalog.QuotaSnapshots(ctx, quotaWindow)
	if err != nil {
		return nil, err
	}
	return &Status{
		Catalog:    counts,
		Chunks:     stats.ChunkCount,
		Documents:  stats.DocumentCount,
		Dimensions: stats.Dimensions,
		Quotas:     quotas,
	}, nil
}

// ClearQueue drops pending and failed entries; fetched content stays.
func (s *Service) ClearQueue(ctx context.Context) (int, error) {
	return s.catalog.Clear(ctx, catalog.StatusPending, catalog.StatusFailed)
}

// Reset wipes the catalog and both indexes.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.catalog.DeleteAll(ctx); err != nil {
		return err
	}
	if err := s.vectors.DeleteAll(ctx); err != nil {
		return err
	}
	// Force the lexical index to rebuild (empty) on next search.
	s.lexical.MarkDirty(1)
	s.log.Info("knowledge base reset")
	return nil
}

// Close releases every component. Safe to call once.
func (s *Service) Close() error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.llm != nil {
		_ = s.llm.Close()
	}
	_ = s.embedder.Close()
	_ = s.lexical.Close()
	err := s.vectors.Close()
	if cerr := s.catalog.Close(); err == nil {
		err = cerr
	}
	return err
}
