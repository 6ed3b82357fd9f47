package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quarry-kb/quarry/configs"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage quarry configuration",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd(opts))

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var outPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an annotated example config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := outPath
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				path = filepath.Join(home, ".quarry", "config.yaml")
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; re-run with --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Destination path (default ~/.quarry/config.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "catalog_db:     %s\n", cfg.Paths.CatalogDB)
			fmt.Fprintf(cmd.OutOrStdout(), "vector_dir:     %s\n", cfg.Paths.VectorDir)
			fmt.Fprintf(cmd.OutOrStdout(), "workspace_root: %s\n", cfg.Paths.WorkspaceRoot)
			fmt.Fprintf(cmd.OutOrStdout(), "embedding:      %s (%s, %d dims)\n",
				cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.Dimensions)
			fmt.Fprintf(cmd.OutOrStdout(), "llm:            %s\n", orDisabled(cfg.LLM.Host))
			fmt.Fprintf(cmd.OutOrStdout(), "search:         %s\n", orDisabled(cfg.Discovery.SearchEndpoint))
			fmt.Fprintf(cmd.OutOrStdout(), "reranker:       %s\n", orDisabled(cfg.Retrieval.RerankerEndpoint))
			fmt.Fprintf(cmd.OutOrStdout(), "transcripts:    %s\n", orDisabled(cfg.Fetch.TranscriptEndpoint))
			fmt.Fprintf(cmd.OutOrStdout(), "refresh:        enabled=%t cron=%q\n",
				cfg.Refresh.Enabled, cfg.Refresh.Cron)
			return nil
		},
	}
	return cmd
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
