package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarry-kb/quarry/internal/output"
	"github.com/quarry-kb/quarry/internal/preflight"
)

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check paths, endpoints, and which features are live",
		Long: `Run preflight checks against the current configuration: data paths,
embedding provider, LLM endpoint, reranker, search provider, and
transcript service. Warnings indicate optional features that will
silently degrade.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			checker := preflight.New()
			results := checker.RunAll(cmd.Context(), cfg)

			if format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				renderDoctor(cmd, checker, results)
			}

			if checker.HasCriticalFailures(results) {
				return fmt.Errorf("preflight failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, json)")

	return cmd
}

func renderDoctor(cmd *cobra.Command, checker *preflight.Checker, results []preflight.CheckResult) {
	w := output.New(cmd.OutOrStdout())
	w.Heading("Quarry Doctor")

	for _, r := range results {
		msg := fmt.Sprintf("%s: %s", r.Name, r.Message)
		switch r.Status {
		case preflight.StatusPass:
			w.Success(msg)
		case preflight.StatusWarn:
			w.Warning(msg)
		default:
			w.Error(msg)
		}
	}

	w.Newline()
	w.KeyValue("status", checker.SummaryStatus(results))
}
