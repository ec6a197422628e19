package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/lexsearch/internal/config"
	"github.com/Aman-CERP/lexsearch/internal/store"
	"github.com/Aman-CERP/lexsearch/internal/telemetry"
)

var latencyLabels = []struct{ bucket, label string }{
	{telemetry.BucketP10, "<10ms"},
	{telemetry.BucketP50, "10-50ms"},
	{telemetry.BucketP100, "50-100ms"},
	{telemetry.BucketP500, "100-500ms"},
	{telemetry.BucketP1000, ">=500ms"},
}

func newQueriesCmd(dir *string) *cobra.Command {
	var (
		days       int
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "queries",
		Short: "Show local query analytics",
		Long: `Show what has been searched: searches per mode and latency for the last
--days days, plus the most searched terms and recent zero-result queries.

Zero-result queries are a good source of missing thesaurus entries.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*dir)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Paths.Database)
			if err != nil {
				return fmt.Errorf("open record store: %w", err)
			}
			defer func() { _ = st.Close() }()

			report, err := telemetry.LoadReport(cmd.Context(), st, days, limit, time.Now())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printQueryReport(cmd.OutOrStdout(), report, cfg.Telemetry.Enabled)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Days of mode and latency counts to include")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Top terms and zero-result queries to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printQueryReport(out io.Writer, r *telemetry.Report, enabled bool) {
	if !enabled {
		fmt.Fprintln(out, "Telemetry is disabled; showing previously recorded data.")
	}
	fmt.Fprintf(out, "Searches %s .. %s: %d\n", r.From, r.To, r.TotalQueries)

	modes := make([]string, 0, len(r.Modes))
	for m := range r.Modes {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	for _, m := range modes {
		fmt.Fprintf(out, "  %-9s %d\n", m, r.Modes[m])
	}

	if len(r.Latency) > 0 {
		fmt.Fprint(out, "Latency:")
		for _, l := range latencyLabels {
			if n := r.Latency[l.bucket]; n > 0 {
				fmt.Fprintf(out, "  %s %d", l.label, n)
			}
		}
		fmt.Fprintln(out)
	}

	if len(r.TopTerms) > 0 {
		fmt.Fprintln(out, "\nTop terms:")
		for _, t := range r.TopTerms {
			fmt.Fprintf(out, "  %-20s %d\n", t.Term, t.Count)
		}
	}
	if len(r.ZeroResults) > 0 {
		fmt.Fprintln(out, "\nZero-result queries:")
		for _, q := range r.ZeroResults {
			fmt.Fprintf(out, "  %s  %-8s %s\n", q.At.Local().Format("2006-01-02 15:04"), q.Mode, q.Query)
		}
	}
}
