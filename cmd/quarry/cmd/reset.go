package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarry-kb/quarry/internal/service"
)

func newResetCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the entire knowledge base",
		Long:  `Wipe the catalog and both indexes. This cannot be undone.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("reset deletes all indexed content; re-run with --force to confirm")
			}
			return opts.withService(cmd.Context(), func(s *service.Service) error {
				if err := s.Reset(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Knowledge base reset.")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Confirm deletion")

	return cmd
}
