package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarry-kb/quarry/internal/service"
)

func newClearCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop pending and failed queue entries",
		Long: `Remove pending and failed entries from the catalog. Fetched sources
and their indexed content are untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd.Context(), func(s *service.Service) error {
				n, err := s.ClearQueue(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d queue entries.\n", n)
				return nil
			})
		},
	}
	return cmd
}
