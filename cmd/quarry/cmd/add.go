package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarry-kb/quarry/internal/service"
)

func newAddCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <url-or-topic>...",
		Short: "Queue sources for ingestion",
		Long: `Add sources to the ingestion queue. Arguments are either direct URLs
(web pages, documentation sites, repositories, videos, channels) or a
free-form topic, which is expanded into candidate URLs via the
configured search provider.

Nothing is fetched until 'quarry process' runs.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := strings.Join(args, " ")
			return opts.withService(cmd.Context(), func(s *service.Service) error {
				res, err := s.AddSources(cmd.Context(), input)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"Candidates: %d\nAdded:      %d\nSkipped:    %d (already known)\n",
					res.Candidates, res.Added, res.Skipped)
				return nil
			})
		},
	}
	return cmd
}
