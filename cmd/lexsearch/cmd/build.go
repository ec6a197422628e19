package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/lexsearch/internal/index"
	"github.com/Aman-CERP/lexsearch/internal/store"
	"github.com/Aman-CERP/lexsearch/internal/ui"
)

type buildOptions struct {
	force       bool
	refresh     bool
	vectorOnly  bool
	keywordOnly bool
	status      bool
	jsonOutput  bool
	noTUI       bool
}

func newBuildCmd(dir *string) *cobra.Command {
	var opts buildOptions

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the vector and keyword index generations",
		Long: `Build the vector and keyword indexes from the record store and publish
them as new generations. A running 'lexsearch serve' picks them up without
a restart.

Examples:
  lexsearch build                  # incremental: embed pending chunks, rebuild both
  lexsearch build --force          # re-embed everything
  lexsearch build --refresh        # only rebuild indexes older than the store
  lexsearch build --keyword-only
  lexsearch build --status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBuild(ctx, cmd, *dir, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.force, "force", false, "Rebuild both indexes from scratch")
	cmd.Flags().BoolVar(&opts.refresh, "refresh", false, "Only rebuild indexes that are stale")
	cmd.Flags().BoolVar(&opts.vectorOnly, "vector-only", false, "Build only the vector index")
	cmd.Flags().BoolVar(&opts.keywordOnly, "keyword-only", false, "Build only the keyword index")
	cmd.Flags().BoolVar(&opts.status, "status", false, "Show published generations instead of building")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Disable the interactive progress display")

	return cmd
}

func runBuild(ctx context.Context, cmd *cobra.Command, dir string, opts buildOptions) error {
	a, err := openApp(ctx, dir)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	out := cmd.OutOrStdout()
	if opts.status {
		st, err := a.newBuilder().Status(ctx)
		if err != nil {
			return err
		}
		if opts.jsonOutput {
			return writeJSON(out, st)
		}
		return printBuildStatus(cmd, st)
	}

	var renderer ui.Renderer = ui.NopRenderer{}
	if !opts.jsonOutput {
		renderer = ui.NewRenderer(ui.NewConfig(out,
			ui.WithForcePlain(opts.noTUI),
			ui.WithDataDir(a.cfg.Paths.DataDir)))
	}
	if err := renderer.Start(ctx); err != nil {
		slog.Warn("progress_renderer_start_failed", slog.String("error", err.Error()))
	}

	result, err := a.newBuilder(index.WithRenderer(renderer)).Run(ctx, index.BuildRequest{
		Force:       opts.force,
		Refresh:     opts.refresh,
		VectorOnly:  opts.vectorOnly,
		KeywordOnly: opts.keywordOnly,
	})
	_ = renderer.Stop()
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		if err := writeJSON(out, result); err != nil {
			return err
		}
	}
	if n := result.Failed(); n > 0 {
		return fmt.Errorf("build finished with %d failed items", n)
	}
	return nil
}

func printBuildStatus(cmd *cobra.Command, st *index.BuildStatus) error {
	out := cmd.OutOrStdout()
	for _, g := range []struct {
		name string
		gen  *store.Generation
	}{
		{"vector", st.Vector},
		{"keyword", st.Lexical},
	} {
		if g.gen == nil {
			fmt.Fprintf(out, "%-8s not built\n", g.name)
			continue
		}
		fmt.Fprintf(out, "%-8s %s  %d items  built %s  (revision %d)\n",
			g.name, g.gen.ID, g.gen.Count, g.gen.BuiltAt.Format(time.RFC3339), g.gen.Revision)
	}
	fmt.Fprintf(out, "cases %d, chunks %d embedded / %d pending, metadata %d/%d indexed, store revision %d\n",
		st.Cases, st.EmbeddedChunks, st.PendingChunks, st.IndexedRecords, st.MetadataRecords, st.Revision)
	return nil
}
