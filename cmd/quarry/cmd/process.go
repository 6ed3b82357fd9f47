package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarry-kb/quarry/internal/config"
	"github.com/quarry-kb/quarry/internal/service"
)

func newProcessCmd(opts *rootOptions) *cobra.Command {
	var (
		batches      int
		fullChannels bool
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Fetch and index queued sources",
		Long: `Drain the ingestion queue: fetch each pending entry, chunk and embed
its content, and index it for retrieval. Runs until the queue is empty
unless --batches limits the number of claimed batches.

Channel entries expand to discovery.channel_max_videos recent videos;
--full-channels raises that cap to discovery.channel_full_videos for
this run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mutate := func(cfg *config.Config) {
				if fullChannels && cfg.Discovery.ChannelFullVideos > 0 {
					cfg.Discovery.ChannelMaxVideos = cfg.Discovery.ChannelFullVideos
				}
			}
			return opts.withServiceCfg(cmd.Context(), mutate, func(s *service.Service) error {
				res, err := s.ProcessQueue(cmd.Context(), batches)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"Succeeded: %d\nFailed:    %d\nSkipped:   %d\n",
					res.Succeeded, res.Failed, res.Skipped)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&batches, "batches", 0, "Maximum batches to claim (0 = until empty)")
	cmd.Flags().BoolVar(&fullChannels, "full-channels", false,
		"Expand channels up to channel_full_videos instead of channel_max_videos")

	return cmd
}
