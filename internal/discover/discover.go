package discover

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/quarry-kb/quarry/internal/catalog"
	"github.com/quarry-kb/quarry/internal/llm"
)

const (
	// queriesPerTopic is how many search queries the LLM synthesizes.
	queriesPerTopic = 4

	// resultsPerQuery is the provider page size per query.
	resultsPerQuery = 10

	// maxCompetitors bounds the alternatives the LLM may name for the
	// competitor pass.
	maxCompetitors = 3
)

// Host quality weights bias scoring toward primary documentation.
const (
	weightDocs    = 1.5
	weightRepoOrg = 1.2
	weightDefault = 1.0
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// Generator is the LLM surface discovery needs.
type Generator interface {
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// CallLogger records external API calls for quota surfacing.
type CallLogger interface {
	LogAPICall(ctx context.Context, call catalog.APICall) error
}

// Candidate is one discovered source, ready for catalog insertion.
type Candidate struct {
	URL      string // normalized
	Kind     catalog.Kind
	Priority int
	Score    float64
	From     string // "user" or the query that surfaced it
}

// Orchestrator runs the discovery flow for one input.
type Orchestrator struct {
	provider          SearchProvider
	gen               Generator
	queryModel        string
	calls             CallLogger
	enableCompetitors bool
	log               *slog.Logger
}

// Options configures discovery.
type Options struct {
	QueryModel        string
	EnableCompetitors bool
}

// New creates a discovery orchestrator. Provider and generator may each
// be nil; discovery degrades to plain URL extraction.
func New(provider SearchProvider, gen Generator, calls CallLogger, opts Options) *Orchestrator {
	return &Orchestrator{
		provider:          provider,
		gen:               gen,
		queryModel:        opts.QueryModel,
		calls:             calls,
		enableCompetitors: opts.EnableCompetitors,
		log:               slog.Default().With("component", "discover"),
	}
}

// Discover maps free-form input to scored candidates. Literal URLs in
// the input short-circuit search entirely and carry user priority;
// topic input is expanded into queries and searched.
func (o *Orchestrator) Discover(ctx context.Context, input string) ([]Candidate, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}

	if urls := urlPattern.FindAllString(input, -1); len(urls) > 0 {
		return o.fromLiteralURLs(urls), nil
	}
	if o.provider == nil {
		return nil, errors.New("topic discovery requires a search provider; configure discovery.search_endpoint")
	}

	queries := o.synthesizeQueries(ctx, input)
	if o.enableCompetitors {
		queries = append(queries, o.competitorQueries(ctx, input)...)
	}

	seen := make(map[string]*Candidate)
	for _, query := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results, err := o.searchLogged(ctx, query)
		if err != nil {
			if errors.Is(err, ErrQuotaExhausted) {
				o.log.Warn("search quota exhausted, returning partial discovery results",
					"queries_run", query)
				break
			}
			o.log.Warn("search query failed", "query", query, "error", err)
			continue
		}
		mergeResults(seen, results, query)
	}

	candidates := make([]Candidate, 0, len(seen))
	for _, c := range seen {
		candidates = append(candidates, *c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].URL < candidates[j].URL
	})
	return candidates, nil
}

func (o *Orchestrator) fromLiteralURLs(urls []string) []Candidate {
	var out []Candidate
	seen := make(map[string]bool)
	for _, raw := range urls {
		raw = strings.TrimRight(raw, ".,;:)")
		norm, err := catalog.NormalizeURL(raw)
		if err != nil {
			o.log.Warn("skipping unparseable URL", "url", raw, "error", err)
			continue
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, Candidate{
			URL:      norm,
			Kind:     catalog.DetectKind(norm),
			Priority: catalog.PriorityUser,
			Score:    1,
			From:     "user",
		})
	}
	return out
}

// synthesizeQueries asks the LLM for diverse queries, falling back to
// the literal input when the model is unavailable or unhelpful.
func (o *Orchestrator) synthesizeQueries(ctx context.Context, topic string) []string {
	if o.gen == nil {
		return []string{topic}
	}
	response, err := o.gen.Generate(ctx, o.queryModel, llm.QueriesPrompt(topic, queriesPerTopic))
	if err != nil {
		o.log.Warn("query synthesis failed, searching the literal topic", "error", err)
		return []string{topic}
	}
	queries := llm.ParseQueryLines(response, queriesPerTopic)
	if len(queries) == 0 {
		return []string{topic}
	}
	return queries
}

// competitorQueries asks the LLM to name competing technologies and fans
// out searches per alternative. Without a usable model it degrades to
// literal alternatives queries on the topic itself.
func (o *Orchestrator) competitorQueries(ctx context.Context, topic string) []string {
	fallback := []string{"alternatives to " + topic, topic + " vs"}
	if o.gen == nil {
		return fallback
	}
	response, err := o.gen.Generate(ctx, o.queryModel, llm.CompetitorsPrompt(topic, maxCompetitors))
	if err != nil {
		o.log.Warn("competitor detection failed, searching literal alternatives", "error", err)
		return fallback
	}
	alternatives := llm.ParseQueryLines(response, maxCompetitors)
	if len(alternatives) == 0 {
		return fallback
	}
	queries := make([]string, 0, 2*len(alternatives))
	for _, alt := range alternatives {
		queries = append(queries, alt+" official documentation", alt+" tutorial")
	}
	return queries
}

func (o *Orchestrator) searchLogged(ctx context.Context, query string) ([]SearchResult, error) {
	started := time.Now()
	results, err := o.provider.Search(ctx, query, resultsPerQuery)

	if o.calls != nil {
		remaining := -1
		if q, ok := o.provider.(interface{ RemainingQuota() int }); ok {
			remaining = q.RemainingQuota()
		}
		logErr := o.calls.LogAPICall(ctx, catalog.APICall{
			APIName:        o.provider.Name(),
			Timestamp:      started,
			Success:        err == nil,
			LatencyMS:      time.Since(started).Milliseconds(),
			RemainingQuota: remaining,
		})
		if logErr != nil {
			o.log.Warn("failed to log api call", "error", logErr)
		}
	}
	return results, err
}

// mergeResults folds one query's results into the candidate set, keeping
// the best score per normalized URL.
func mergeResults(seen map[string]*Candidate, results []SearchResult, query string) {
	for _, r := range results {
		norm, err := catalog.NormalizeURL(r.URL)
		if err != nil {
			continue
		}
		score := 1.0 / float64(r.Rank) * hostQuality(norm)
		if existing, ok := seen[norm]; ok {
			if score > existing.Score {
				existing.Score = score
				existing.From = query
			}
			continue
		}
		seen[norm] = &Candidate{
			URL:      norm,
			Kind:     catalog.DetectKind(norm),
			Priority: catalog.PriorityDiscovered,
			Score:    score,
			From:     query,
		}
	}
}

// hostQuality weights primary documentation above code hosting above
// everything else.
func hostQuality(normURL string) float64 {
	u, err := url.Parse(normURL)
	if err != nil {
		return weightDefault
	}
	if catalog.IsDocSite(normURL) {
		return weightDocs
	}
	switch u.Host {
	case "github.com", "gitlab.com", "bitbucket.org":
		return weightRepoOrg
	}
	return weightDefault
}
