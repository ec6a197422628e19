package cmd

import (
	"io/fs"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/lexsearch/internal/search"
	"github.com/Aman-CERP/lexsearch/internal/ui"
)

func newStatusCmd(dir *string) *cobra.Command {
	var (
		jsonOutput bool
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index, facet and metadata health",
		Long: `Show whether the vector and keyword generations are built, how many
facet types and search metadata records exist, and the overall search
health (healthy, degraded or unavailable).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, *dir)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			engine, err := a.newEngine(ctx)
			if err != nil {
				return err
			}
			st, err := engine.Status(ctx)
			if err != nil {
				return err
			}

			info := statusInfo(st, a.cfg.Paths.DataDir)
			info.EmbedderModel = a.embedder.ModelName()

			r := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor)
			if jsonOutput {
				return r.RenderJSON(info)
			}
			return r.Render(info)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colors")

	return cmd
}

// statusInfo converts an engine status report for display.
func statusInfo(st *search.Status, dataDir string) ui.StatusInfo {
	index := func(name, unit string, s search.IndexStatus) ui.IndexInfo {
		return ui.IndexInfo{
			Name:        name,
			Exists:      s.Exists,
			Built:       s.IsBuilt,
			Count:       s.Total,
			Unit:        unit,
			Generation:  s.Generation,
			LastUpdated: s.LastUpdated,
		}
	}
	return ui.StatusInfo{
		DataDir: dataDir,
		Health:  st.Health,
		Indexes: []ui.IndexInfo{
			index("vector", "vectors", st.Vector),
			index("keyword", "documents", st.Keyword),
		},
		FacetTypes:      st.Facets.Types,
		FacetsBuilt:     st.Facets.Built,
		FacetsTotal:     st.Facets.Total,
		MetadataTotal:   st.Metadata.TotalRecords,
		MetadataIndexed: st.Metadata.IndexedRecords,
		DataSize:        dirSize(dataDir),
	}
}

// dirSize sums regular file sizes under dir; unreadable entries are skipped.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
		}
		return nil
	})
	return total
}
