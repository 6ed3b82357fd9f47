// Package cmd provides the CLI commands for quarry.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarry-kb/quarry/internal/config"
	"github.com/quarry-kb/quarry/internal/logging"
	"github.com/quarry-kb/quarry/internal/service"
	"github.com/quarry-kb/quarry/pkg/version"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd creates the root command for the quarry CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "quarry",
		Short: "Local web knowledge base with hybrid retrieval",
		Long: `Quarry builds a local knowledge base from web pages, documentation
sites, repositories, and video transcripts, then answers queries with
hybrid BM25 + semantic retrieval.

Typical flow:

  quarry add https://docs.example.org/guide
  quarry process
  quarry search "connection pooling"`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("quarry version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"Path to config file (defaults apply when unset)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Override log level (debug, info, warn, error)")

	cmd.AddCommand(newAddCmd(opts))
	cmd.AddCommand(newProcessCmd(opts))
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newRefreshCmd(opts))
	cmd.AddCommand(newClearCmd(opts))
	cmd.AddCommand(newResetCmd(opts))
	cmd.AddCommand(newDoctorCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command, cancelling on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// loadConfig loads configuration and installs the process logger.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	logging.Setup(logging.Config{Level: cfg.LogLevel})
	return cfg, nil
}

// withService builds the full service stack, runs fn, and tears down.
func (o *rootOptions) withService(ctx context.Context, fn func(*service.Service) error) error {
	return o.withServiceCfg(ctx, nil, fn)
}

// withServiceCfg is withService with a config mutation applied after
// loading, for flags that override configured limits per invocation.
func (o *rootOptions) withServiceCfg(ctx context.Context, mutate func(*config.Config),
	fn func(*service.Service) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	if mutate != nil {
		mutate(cfg)
	}
	s, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(s)
}
