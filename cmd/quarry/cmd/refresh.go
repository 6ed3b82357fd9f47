package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarry-kb/quarry/internal/service"
)

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-check sources that are due for refresh",
		Long: `Run one refresh pass: entries whose refresh interval has elapsed are
re-validated with cheap checks (ETag, Last-Modified, remote tip) and
re-fetched and re-indexed only when their content actually changed.

With --watch, stay running and trigger passes on the configured cron
schedule instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd.Context(), func(s *service.Service) error {
				if watch {
					if err := s.StartRefreshSchedule(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "Refresh scheduler running; Ctrl-C to stop.")
					<-cmd.Context().Done()
					return nil
				}
				res, err := s.RefreshOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"Checked:   %d\nUnchanged: %d\nUpdated:   %d\nFailed:    %d\n",
					res.Checked, res.Unchanged, res.Updated, res.Failed)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Run on the refresh.cron schedule until interrupted")

	return cmd
}
