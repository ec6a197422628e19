package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/lexsearch/internal/facet"
)

func newFacetsCmd(dir *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facets",
		Short: "Build and inspect facet indexes",
		Long: `Facet indexes fold raw term occurrences (citations, sections, judges,
courts, parties) into canonical terms mapped to cases. They drive facet
counts in search responses, facet boosts and suggestions.`,
	}

	cmd.AddCommand(newFacetsBuildCmd(dir))
	cmd.AddCommand(newFacetsStatsCmd(dir))
	cmd.AddCommand(newFacetsCleanupCmd(dir))

	return cmd
}

func newFacetsBuildCmd(dir *string) *cobra.Command {
	var (
		types      []string
		force      bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build facet indexes from term occurrences",
		Long: `Fold raw term occurrences into canonical facet terms and case mappings.

By default the build is incremental: terms that are new or changed since the
last build are written under that build's version and the rest are skipped.
--force clears each type and regenerates everything under a new version.`,
		Example: `  lexsearch facets build
  lexsearch facets build --type section --type judge
  lexsearch facets build --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *dir)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			opts := facet.BuildOptions{Force: force}
			var results []facet.BuildStats
			if len(types) == 0 {
				if results, err = a.facets.BuildAll(ctx, opts); err != nil {
					return err
				}
			} else {
				for _, t := range types {
					st, err := a.facets.BuildFacets(ctx, t, opts)
					if err != nil {
						return err
					}
					results = append(results, st)
				}
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else {
				printFacetBuild(cmd, results)
			}

			failed := 0
			for _, r := range results {
				failed += r.Failed
			}
			if failed > 0 {
				return fmt.Errorf("facet build finished with %d failed terms", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "Facet types to build (repeatable; default all configured)")
	cmd.Flags().BoolVar(&force, "force", false, "Clear each facet type and rebuild every term under a new version")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printFacetBuild(cmd *cobra.Command, results []facet.BuildStats) {
	out := cmd.OutOrStdout()
	for _, r := range results {
		fmt.Fprintf(out, "%-9s %d terms  %d mappings  %d skipped  %d failed  (%s, version %s)\n",
			r.FacetType, r.Succeeded, r.Mappings, r.Skipped, r.Failed,
			r.Duration.Round(time.Millisecond), r.Version)
		for _, e := range r.Errors {
			fmt.Fprintf(out, "  ERROR: %s\n", e)
		}
	}
}

func newFacetsStatsCmd(dir *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats [type...]",
		Short: "Show term counts and top terms per facet type",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *dir)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			types := args
			if len(types) == 0 {
				types = a.facets.Types()
			}
			stats := make([]facet.Stats, 0, len(types))
			for _, t := range types {
				if !facet.ValidType(t) {
					return fmt.Errorf("unknown facet type %q (expected one of %s)", t, strings.Join(facet.CoreTypes, ", "))
				}
				st, err := a.facets.Stats(ctx, t)
				if err != nil {
					return err
				}
				stats = append(stats, st)
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			out := cmd.OutOrStdout()
			for _, st := range stats {
				fmt.Fprintf(out, "%-9s %d terms  %d mappings\n", st.FacetType, st.TotalTerms, st.TotalMappings)
				for _, t := range st.TopTerms {
					fmt.Fprintf(out, "  %-40s %d cases\n", t.DisplayTerm, t.CaseCount)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newFacetsCleanupCmd(dir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove facet mappings to deleted cases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *dir)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			removed, err := a.facets.Cleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale mappings\n", removed)
			return nil
		},
	}
}
