package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/quarry-kb/quarry/internal/catalog"
	"github.com/quarry-kb/quarry/internal/service"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show catalog, index, and quota state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd.Context(), func(s *service.Service) error {
				st, err := s.Status(cmd.Context())
				if err != nil {
					return err
				}
				return renderStatus(cmd, st, format)
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format (text, json)")

	return cmd
}

type statusJSON struct {
	Sources    int            `json:"sources"`
	ByStatus   map[string]int `json:"by_status"`
	ByKind     map[string]int `json:"by_kind"`
	Chunks     int            `json:"chunks"`
	Documents  int            `json:"documents"`
	Dimensions int            `json:"dimensions"`
	Quotas     []quotaJSON    `json:"quotas,omitempty"`
}

type quotaJSON struct {
	API       string `json:"api"`
	Calls     int    `json:"calls"`
	Failures  int    `json:"failures"`
	Remaining int    `json:"remaining"`
}

func renderStatus(cmd *cobra.Command, st *service.Status, format string) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		payload := statusJSON{
			Sources:    st.Catalog.Total,
			ByStatus:   map[string]int{},
			ByKind:     map[string]int{},
			Chunks:     st.Chunks,
			Documents:  st.Documents,
			Dimensions: st.Dimensions,
		}
		for status, n := range st.Catalog.ByStatus {
			payload.ByStatus[string(status)] = n
		}
		for kind, n := range st.Catalog.ByKind {
			payload.ByKind[string(kind)] = n
		}
		for _, q := range st.Quotas {
			payload.Quotas = append(payload.Quotas, quotaJSON{
				API: q.APIName, Calls: q.Calls, Failures: q.Failures, Remaining: q.RemainingQuota,
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	fmt.Fprintf(out, "Sources: %d\n", st.Catalog.Total)
	for _, status := range []catalog.Status{
		catalog.StatusPending, catalog.StatusInFlight, catalog.StatusFetched, catalog.StatusFailed,
	} {
		if n := st.Catalog.ByStatus[status]; n > 0 {
			fmt.Fprintf(out, "  %-10s %d\n", status, n)
		}
	}

	kinds := make([]string, 0, len(st.Catalog.ByKind))
	for kind := range st.Catalog.ByKind {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	if len(kinds) > 0 {
		fmt.Fprintln(out, "Kinds:")
		for _, kind := range kinds {
			fmt.Fprintf(out, "  %-14s %d\n", kind, st.Catalog.ByKind[catalog.Kind(kind)])
		}
	}

	fmt.Fprintf(out, "Chunks: %d (%d documents, %d dims)\n", st.Chunks, st.Documents, st.Dimensions)

	if len(st.Quotas) > 0 {
		fmt.Fprintln(out, "API usage (7d):")
		for _, q := range st.Quotas {
			remaining := "unknown"
			if q.RemainingQuota >= 0 {
				remaining = fmt.Sprintf("%d", q.RemainingQuota)
			}
			fmt.Fprintf(out, "  %-12s calls=%d failures=%d remaining=%s\n",
				q.APIName, q.Calls, q.Failures, remaining)
		}
	}
	return nil
}
