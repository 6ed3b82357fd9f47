package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarry-kb/quarry/internal/search"
	"github.com/quarry-kb/quarry/internal/service"
	"github.com/quarry-kb/quarry/internal/store"
)

const excerptRunes = 200

type searchOptions struct {
	limit        int
	kind         string
	domain       string
	difficulty   string
	semanticOnly bool
	lexicalOnly  bool
	noRerank     bool
	noExpand     bool
	format       string
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	sopts := &searchOptions{}

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the knowledge base",
		Long: `Run a hybrid retrieval query over the indexed content. Semantic and
lexical results are fused with reciprocal rank fusion; a cross-encoder
reranker reorders the top candidates when one is configured.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return opts.withService(cmd.Context(), func(s *service.Service) error {
				results, err := s.Search(cmd.Context(), query, search.Options{
					Limit:        sopts.limit,
					Filter:       sopts.filter(),
					SemanticOnly: sopts.semanticOnly,
					LexicalOnly:  sopts.lexicalOnly,
					NoRerank:     sopts.noRerank,
					NoExpand:     sopts.noExpand,
				})
				if err != nil {
					return err
				}
				return renderSearchResults(cmd, results, sopts.format)
			})
		},
	}

	cmd.Flags().IntVarP(&sopts.limit, "limit", "n", 0, "Maximum results (default 10, max 100)")
	cmd.Flags().StringVar(&sopts.kind, "kind", "", "Restrict to a source kind (web_page, doc_site_page, repo, video)")
	cmd.Flags().StringVar(&sopts.domain, "domain", "", "Restrict to a source domain")
	cmd.Flags().StringVar(&sopts.difficulty, "difficulty", "", "Restrict to a difficulty level")
	cmd.Flags().BoolVar(&sopts.semanticOnly, "semantic-only", false, "Skip the lexical leg")
	cmd.Flags().BoolVar(&sopts.lexicalOnly, "lexical-only", false, "Skip the semantic leg")
	cmd.Flags().BoolVar(&sopts.noRerank, "no-rerank", false, "Skip cross-encoder reranking")
	cmd.Flags().BoolVar(&sopts.noExpand, "no-expand", false, "Skip LLM query expansion")
	cmd.Flags().StringVar(&sopts.format, "format", "text", "Output format (text, json)")

	return cmd
}

func (o *searchOptions) filter() store.Filter {
	f := store.Filter{}
	if o.kind != "" {
		f["kind"] = o.kind
	}
	if o.domain != "" {
		f["domain"] = o.domain
	}
	if o.difficulty != "" {
		f["difficulty"] = o.difficulty
	}
	if len(f) == 0 {
		return nil
	}
	return f
}

// searchResultJSON is the wire shape for --format json.
type searchResultJSON struct {
	SourceURL string   `json:"source_url"`
	Kind      string   `json:"kind"`
	Domain    string   `json:"domain"`
	Score     float64  `json:"score"`
	ScoreKind string   `json:"score_kind"`
	Summary   string   `json:"summary,omitempty"`
	Topics    []string `json:"topics,omitempty"`
	Text      string   `json:"text"`
}

func renderSearchResults(cmd *cobra.Command, results []*search.Result, format string) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		payload := make([]searchResultJSON, 0, len(results))
		for _, r := range results {
			payload = append(payload, searchResultJSON{
				SourceURL: r.Chunk.SourceURL,
				Kind:      r.Chunk.Kind,
				Domain:    r.Chunk.Domain,
				Score:     r.Score,
				ScoreKind: r.ScoreKind,
				Summary:   r.Chunk.Summary,
				Topics:    r.Chunk.Topics,
				Text:      r.Chunk.Text,
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. %s  (%s %.4f, %s)\n", i+1, r.Chunk.SourceURL, r.ScoreKind, r.Score, r.Chunk.Kind)
		fmt.Fprintf(out, "   %s\n", excerpt(r.Chunk.Text))
	}
	return nil
}

// excerpt returns the first excerptRunes runes of text on a single line.
func excerpt(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= excerptRunes {
		return text
	}
	return string(runes[:excerptRunes]) + "..."
}
